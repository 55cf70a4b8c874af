// Package bufferhealth tracks how much media is buffered around the playhead
// and asks the session to buffer harder when it runs low.
package bufferhealth

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"hls-playback/internal/clock"
)

const (
	// MinSampleInterval throttles Sample.
	MinSampleInterval = 250 * time.Millisecond
	// TargetAhead is the buffered-ahead amount reported as 100% healthy.
	TargetAhead = 30.0
	// LowBufferThreshold triggers a boost when ahead drops below it.
	LowBufferThreshold = 10.0
	// BoostWindow is how long a boost stays in effect.
	BoostWindow = 5 * time.Second
)

// Range is a buffered time range in seconds.
type Range struct {
	Start float64
	End   float64
}

// Tuner raises the runtime's target buffer length for a limited window.
type Tuner interface {
	BoostBuffer(window time.Duration)
}

// Snapshot is the read-only buffer state.
type Snapshot struct {
	Position      float64
	Ahead         float64
	Behind        float64
	HealthPercent float64
	Boosting      bool
	SampledAt     time.Time
}

// Monitor samples buffered ranges and boosts the buffer target when low.
type Monitor struct {
	clock clock.Clock
	tuner Tuner
	log   *slog.Logger

	mu         sync.Mutex
	snap       Snapshot
	sampled    bool
	boostUntil time.Time
}

// NewMonitor returns a Monitor that boosts through tuner.
func NewMonitor(c clock.Clock, tuner Tuner, log *slog.Logger) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{clock: c, tuner: tuner, log: log}
}

// Sample records the buffer state at position. Samples closer than
// MinSampleInterval to the previous one are dropped; Sample reports whether
// this one was taken.
func (m *Monitor) Sample(position float64, ranges []Range) bool {
	now := m.clock.Now()

	m.mu.Lock()
	if m.sampled && now.Sub(m.snap.SampledAt) < MinSampleInterval {
		m.mu.Unlock()
		return false
	}
	ahead, behind := Measure(position, ranges)
	m.snap = Snapshot{
		Position:      position,
		Ahead:         ahead,
		Behind:        behind,
		HealthPercent: Health(ahead),
		SampledAt:     now,
	}
	m.sampled = true

	boost := ahead < LowBufferThreshold && !now.Before(m.boostUntil)
	if boost {
		m.boostUntil = now.Add(BoostWindow)
	}
	m.snap.Boosting = now.Before(m.boostUntil)
	m.mu.Unlock()

	if boost && m.tuner != nil {
		m.log.Debug("buffer low, boosting target",
			slog.Float64("ahead_s", ahead),
			slog.Int64("window_ms", BoostWindow.Milliseconds()),
		)
		m.tuner.BoostBuffer(BoostWindow)
	}
	return true
}

// Snapshot returns the last sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Reset clears the sample history, e.g. after a seek or reload.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.snap = Snapshot{}
	m.sampled = false
	m.mu.Unlock()
}

// Measure returns the seconds buffered after and before position across all
// ranges.
func Measure(position float64, ranges []Range) (ahead, behind float64) {
	for _, r := range ranges {
		if r.End <= r.Start {
			continue
		}
		ahead += math.Max(0, r.End-math.Max(r.Start, position))
		behind += math.Max(0, math.Min(r.End, position)-r.Start)
	}
	return ahead, behind
}

// Health maps buffered-ahead seconds to 0..100.
func Health(ahead float64) float64 {
	if ahead <= 0 {
		return 0
	}
	return math.Min(100, ahead/TargetAhead*100)
}
