package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-playback/internal/clock"
	"hls-playback/internal/platform/logger"
)

func TestMonitor_SetNotifiesOnChange(t *testing.T) {
	m := NewMonitor(true, logger.Discard())
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.Set(true), "unchanged")
	assert.True(t, m.Set(false))
	assert.False(t, m.Online())
	assert.Equal(t, false, <-ch)

	m.Set(true)
	m.Set(false)
	m.Set(true)
	assert.Equal(t, true, <-ch, "slow subscriber sees the latest state")
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %v", v)
	default:
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true, logger.Discard())
	ch, unsubscribe := m.Subscribe()
	assert.Equal(t, 1, m.Subscribers())

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok, "channel closed")
	assert.Equal(t, 0, m.Subscribers())
	m.Set(false)
}

func TestProber_ProbeOnce(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer up.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	m := NewMonitor(false, logger.Discard())
	p := NewProber(m, ProberConfig{Targets: []string{downURL, up.URL}, Log: logger.Discard()})
	assert.True(t, p.ProbeOnce(context.Background()), "any answer counts as reachable")
	assert.True(t, m.Online())

	p = NewProber(m, ProberConfig{Targets: []string{downURL}, Log: logger.Discard()})
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, m.Online())
}

func TestProber_NoTargetsLeavesState(t *testing.T) {
	m := NewMonitor(false, logger.Discard())
	p := NewProber(m, ProberConfig{Log: logger.Discard()})
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, m.Online())
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	m := NewMonitor(false, logger.Discard())
	p := NewProber(m, ProberConfig{Targets: []string{srv.URL}, Interval: time.Second, Clock: fc, Log: logger.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.True(t, fc.BlockUntil(1, time.Second))
	assert.True(t, m.Online())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
