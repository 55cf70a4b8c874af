package player

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hls-playback/internal/clock"
)

type appliedLog struct {
	mu   sync.Mutex
	vals []time.Duration
}

func (l *appliedLog) apply(d time.Duration) {
	l.mu.Lock()
	l.vals = append(l.vals, d)
	l.mu.Unlock()
}

func (l *appliedLog) last() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vals[len(l.vals)-1]
}

func TestBufferTuner_WidenAndBoostStack(t *testing.T) {
	fc := clock.NewFake(epoch)
	log := &appliedLog{}
	tn := newBufferTuner(fc, 30*time.Second, 120*time.Second, log.apply)

	assert.Equal(t, 30*time.Second, tn.Effective())

	tn.Widen(10 * time.Second)
	assert.Equal(t, 60*time.Second, log.last())

	tn.BoostBuffer(5 * time.Second)
	assert.Equal(t, 75*time.Second, log.last())

	fc.Advance(5 * time.Second)
	assert.Equal(t, 60*time.Second, log.last(), "boost expired")

	fc.Advance(5 * time.Second)
	assert.Equal(t, 30*time.Second, log.last(), "widen expired")
	assert.Zero(t, fc.Pending())
}

func TestBufferTuner_Ceiling(t *testing.T) {
	fc := clock.NewFake(epoch)
	log := &appliedLog{}
	tn := newBufferTuner(fc, 30*time.Second, 50*time.Second, log.apply)

	tn.Widen(time.Second)
	tn.BoostBuffer(time.Second)
	assert.Equal(t, 50*time.Second, log.last())
}

func TestBufferTuner_StopCancelsReverts(t *testing.T) {
	fc := clock.NewFake(epoch)
	log := &appliedLog{}
	tn := newBufferTuner(fc, 30*time.Second, 120*time.Second, log.apply)

	tn.Widen(10 * time.Second)
	tn.Stop()
	assert.Zero(t, fc.Pending())

	tn.BoostBuffer(time.Second)
	assert.Len(t, log.vals, 1, "raises after Stop are ignored")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Uninitialized, Loading, true},
		{Uninitialized, Playing, false},
		{Loading, Ready, true},
		{Loading, Playing, false},
		{Ready, Playing, true},
		{Playing, Stalled, true},
		{Stalled, Playing, true},
		{Recovering, Paused, true},
		{Recovering, Uninitialized, false},
		{Failed, Loading, false},
		{Failed, Playing, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
