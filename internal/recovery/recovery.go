// Package recovery decides how a playback session reacts to runtime errors.
// It holds the per-session retry counters and maps every error to a single
// Decision through lookup tables; executing the decision is the session's job.
package recovery

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"hls-playback/internal/clock"
	"hls-playback/internal/platform/metrics"
)

// Ceilings and timing.
const (
	MaxNetworkRetries    = 8
	MaxMediaRecoveries   = 3
	NetworkBaseDelay     = time.Second
	NetworkBackoffFactor = 1.5
	NetworkMaxDelay      = 15 * time.Second
	NetworkJitter        = 500 * time.Millisecond
	MediaStepDelay       = 500 * time.Millisecond
	OtherReloadDelay     = time.Second
	WidenCooldown        = 10 * time.Second
	RewindSeconds        = 5.0
)

// ErrorType is the category a runtime reports an error under.
type ErrorType int

const (
	NetworkError ErrorType = iota
	MediaError
	OtherError
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	switch t {
	case NetworkError:
		return "network"
	case MediaError:
		return "media"
	default:
		return "other"
	}
}

// Error details a runtime may report.
const (
	DetailManifestLoadError  = "manifestLoadError"
	DetailLevelLoadError     = "levelLoadError"
	DetailFragLoadError      = "fragLoadError"
	DetailFragLoadTimeout    = "fragLoadTimeOut"
	DetailBufferStalled      = "bufferStalledError"
	DetailBufferAppendError  = "bufferAppendError"
	DetailDecodeError        = "decodeError"
	DetailAborted            = "aborted"
	DetailInternalException  = "internalException"
	DetailBufferNudgeOnStall = "bufferNudgeOnStall"
)

// ErrorEvent is one error emitted by the runtime.
type ErrorEvent struct {
	Type   ErrorType
	Detail string
	Fatal  bool
}

// Class is the recovery category of an error.
type Class int

const (
	ClassNetwork Class = iota
	ClassMedia
	ClassOther
	ClassAbort
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassMedia:
		return "media"
	case ClassOther:
		return "other"
	case ClassAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Action is what the session must do.
type Action int

const (
	Ignore Action = iota
	Reload
	WaitOnline
	Fail
	RecoverMedia
	FullReload
	WidenBuffer
	PauseResume
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Reload:
		return "reload"
	case WaitOnline:
		return "wait_online"
	case Fail:
		return "fail"
	case RecoverMedia:
		return "recover_media"
	case FullReload:
		return "full_reload"
	case WidenBuffer:
		return "widen_buffer"
	case PauseResume:
		return "pause_resume"
	default:
		return "unknown"
	}
}

// Nudge is the playhead adjustment applied with a media recovery.
type Nudge int

const (
	NudgeFloor Nudge = iota
	NudgeRewind
	NudgeZero
)

// Apply returns the new position for current.
func (n Nudge) Apply(current float64) float64 {
	switch n {
	case NudgeFloor:
		return math.Floor(current)
	case NudgeRewind:
		return math.Max(0, current-RewindSeconds)
	default:
		return 0
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Class  Class
	Action Action
	// Delay before the action runs.
	Delay time.Duration
	// Attempt is the 1-based retry number for Reload and RecoverMedia.
	Attempt int
	Nudge   Nudge
	// Window is how long a WidenBuffer boost stays in effect.
	Window time.Duration
}

// Counters are the per-session fatal error counters.
type Counters struct {
	NetworkRetries       int
	MediaRecoveryAttempt int
}

var typeClasses = map[ErrorType]Class{
	NetworkError: ClassNetwork,
	MediaError:   ClassMedia,
	OtherError:   ClassOther,
}

// abortDetails are produced by intentional teardown and never acted upon.
var abortDetails = map[string]bool{
	DetailAborted: true,
}

var fatalPolicies = map[Class]func(m *Machine, online bool) Decision{
	ClassNetwork: (*Machine).networkFatal,
	ClassMedia:   (*Machine).mediaFatal,
	ClassOther:   (*Machine).otherFatal,
}

var nonFatalActions = map[string]Action{
	DetailFragLoadError:      WidenBuffer,
	DetailFragLoadTimeout:    WidenBuffer,
	DetailBufferStalled:      PauseResume,
	DetailBufferNudgeOnStall: PauseResume,
}

// Classify maps ev to its recovery class.
func Classify(ev ErrorEvent) Class {
	if abortDetails[ev.Detail] {
		return ClassAbort
	}
	if c, ok := typeClasses[ev.Type]; ok {
		return c
	}
	return ClassOther
}

// Options configures a Machine.
type Options struct {
	Clock clock.Clock
	// Jitter returns a uniform duration in [0, max). Nil uses math/rand.
	Jitter  func(max time.Duration) time.Duration
	Metrics *metrics.Metrics
}

// Machine is the recovery state of one session. It is safe for concurrent use.
type Machine struct {
	clock   clock.Clock
	jitter  func(time.Duration) time.Duration
	metrics *metrics.Metrics

	mu            sync.Mutex
	counters      Counters
	reloadPending bool
	waitingOnline bool
	widenUntil    time.Time
}

// New returns a Machine with zeroed counters.
func New(opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Jitter == nil {
		opts.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		}
	}
	return &Machine{clock: opts.Clock, jitter: opts.Jitter, metrics: opts.Metrics}
}

// Decide returns the reaction to ev. online is the current connectivity.
func (m *Machine) Decide(ev ErrorEvent, online bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	class := Classify(ev)
	var d Decision
	switch {
	case class == ClassAbort:
		d = Decision{Action: Ignore}
	case ev.Fatal:
		d = fatalPolicies[class](m, online)
	default:
		d = m.nonFatal(ev)
	}
	d.Class = class
	m.metrics.IncRecoveryAction(class.String(), d.Action.String())
	return d
}

// networkFatal reloads with capped exponential backoff. Errors arriving while
// a reload or an online wait is already pending are folded into it.
func (m *Machine) networkFatal(online bool) Decision {
	if m.reloadPending || m.waitingOnline {
		return Decision{Action: Ignore}
	}
	if !online {
		m.waitingOnline = true
		return Decision{Action: WaitOnline}
	}
	n := m.counters.NetworkRetries
	if n >= MaxNetworkRetries {
		return Decision{Action: Fail}
	}
	m.counters.NetworkRetries++
	m.reloadPending = true
	return Decision{Action: Reload, Delay: NetworkDelay(n) + m.jitter(NetworkJitter), Attempt: n + 1}
}

func (m *Machine) mediaFatal(bool) Decision {
	n := m.counters.MediaRecoveryAttempt
	if n >= MaxMediaRecoveries {
		m.counters = Counters{}
		return Decision{Action: FullReload}
	}
	m.counters.MediaRecoveryAttempt++
	return Decision{
		Action:  RecoverMedia,
		Delay:   MediaStepDelay * time.Duration(n+1),
		Attempt: n + 1,
		Nudge:   Nudge(n),
	}
}

func (m *Machine) otherFatal(bool) Decision {
	return Decision{Action: FullReload, Delay: OtherReloadDelay}
}

func (m *Machine) nonFatal(ev ErrorEvent) Decision {
	action, ok := nonFatalActions[ev.Detail]
	if !ok {
		return Decision{Action: Ignore}
	}
	if action == WidenBuffer {
		now := m.clock.Now()
		if now.Before(m.widenUntil) {
			return Decision{Action: Ignore}
		}
		m.widenUntil = now.Add(WidenCooldown)
		return Decision{Action: WidenBuffer, Window: WidenCooldown}
	}
	return Decision{Action: action}
}

// NetworkDelay is the backoff before the n-th (0-based) network reload,
// without jitter.
func NetworkDelay(n int) time.Duration {
	d := time.Duration(float64(NetworkBaseDelay) * math.Pow(NetworkBackoffFactor, float64(n)))
	if d > NetworkMaxDelay || d <= 0 {
		return NetworkMaxDelay
	}
	return d
}

// ReloadFired marks a pending reload as executed, so the next network fatal
// error counts as a new failure.
func (m *Machine) ReloadFired() {
	m.mu.Lock()
	m.reloadPending = false
	m.mu.Unlock()
}

// OnlineRestored ends an online wait and resets the network counter.
func (m *Machine) OnlineRestored() {
	m.mu.Lock()
	m.waitingOnline = false
	m.counters.NetworkRetries = 0
	m.mu.Unlock()
}

// NetworkRecovered zeroes the network counter once segments load again. A
// reload already pending or an online wait is left in place.
func (m *Machine) NetworkRecovered() {
	m.mu.Lock()
	m.counters.NetworkRetries = 0
	m.mu.Unlock()
}

// Reset zeroes every counter. Called on a successful play and on re-init.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.counters = Counters{}
	m.reloadPending = false
	m.waitingOnline = false
	m.mu.Unlock()
}

// Counters returns a copy of the current counters.
func (m *Machine) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// WaitingOnline reports whether network retries are suspended until the
// device comes back online.
func (m *Machine) WaitingOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitingOnline
}
