package player

import (
	"sync"
	"time"

	"hls-playback/internal/clock"
)

// bufferTuner computes the runtime's max buffer length from a base value and
// two independent temporary raises: a widen after fragment load failures and
// a boost when the buffer runs low. The result never exceeds the ceiling.
type bufferTuner struct {
	clock   clock.Clock
	base    time.Duration
	ceiling time.Duration
	apply   func(time.Duration)

	mu         sync.Mutex
	widenUntil time.Time
	boostUntil time.Time
	timers     map[clock.Timer]struct{}
	stopped    bool
}

func newBufferTuner(c clock.Clock, base, ceiling time.Duration, apply func(time.Duration)) *bufferTuner {
	if ceiling < base {
		ceiling = base
	}
	return &bufferTuner{
		clock:   c,
		base:    base,
		ceiling: ceiling,
		apply:   apply,
		timers:  make(map[clock.Timer]struct{}),
	}
}

// Effective returns the max buffer length in force now.
func (t *bufferTuner) Effective() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectiveLocked(t.clock.Now())
}

func (t *bufferTuner) effectiveLocked(now time.Time) time.Duration {
	v := t.base
	if now.Before(t.widenUntil) {
		v += t.base
	}
	if now.Before(t.boostUntil) {
		v += t.base / 2
	}
	return min(v, t.ceiling)
}

// Widen doubles the base length for window.
func (t *bufferTuner) Widen(window time.Duration) { t.raise(&t.widenUntil, window) }

// BoostBuffer adds half the base length for window.
func (t *bufferTuner) BoostBuffer(window time.Duration) { t.raise(&t.boostUntil, window) }

func (t *bufferTuner) raise(until *time.Time, window time.Duration) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	*until = now.Add(window)
	v := t.effectiveLocked(now)

	var tm clock.Timer
	tm = t.clock.AfterFunc(window, func() {
		t.mu.Lock()
		delete(t.timers, tm)
		if t.stopped {
			t.mu.Unlock()
			return
		}
		v := t.effectiveLocked(t.clock.Now())
		t.mu.Unlock()
		t.apply(v)
	})
	t.timers[tm] = struct{}{}
	t.mu.Unlock()

	t.apply(v)
}

// Stop cancels pending reverts.
func (t *bufferTuner) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for tm := range t.timers {
		tm.Stop()
	}
	t.timers = nil
}
