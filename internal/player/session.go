// Package player owns the lifecycle of one playback session: it fetches and
// warms the playlist, drives an external streaming runtime and media sink,
// and executes the recovery decisions made for runtime errors.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"hls-playback/internal/bufferhealth"
	"hls-playback/internal/clock"
	"hls-playback/internal/connectivity"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/playlist"
	"hls-playback/internal/prefetch"
	"hls-playback/internal/recovery"
	"hls-playback/internal/streamerr"
)

const (
	// MaxPlayAttempts bounds rejected play() retries.
	MaxPlayAttempts = 3
	// PlayRetryStep is multiplied by the attempt number between play retries.
	PlayRetryStep = time.Second

	DefaultMaxBufferLength  = 30 * time.Second
	DefaultMaxBufferCeiling = 120 * time.Second

	// stallResumeAhead is the buffered-ahead amount at which a session paused
	// for a stall resumes.
	stallResumeAhead = 3.0
)

var (
	ErrSessionFailed = errors.New("session failed")
	ErrTornDown      = errors.New("session torn down")
	ErrAlreadyLoaded = errors.New("session already loaded")

	errStale = errors.New("stale session generation")
)

// ManifestFetcher resolves a playlist URL into a descriptor.
type ManifestFetcher interface {
	Fetch(ctx context.Context, url string) (*playlist.Descriptor, error)
}

// Callbacks are lifecycle notifications. Any field may be nil. They are
// invoked without internal locks held.
type Callbacks struct {
	OnPlayStarted func()
	OnPlayPaused  func()
	OnEnded       func()
	OnFatalError  func(message string)
	OnStateChange func(from, to State)
}

// Config holds a session's collaborators.
type Config struct {
	Fetcher  ManifestFetcher
	Loader   prefetch.SegmentLoader
	Registry *playlist.Registry
	// NewRuntime is called once per load and once per full reload.
	NewRuntime func() Runtime
	// NewSink is called once per session.
	NewSink      func() MediaSink
	Connectivity *connectivity.Monitor

	Clock            clock.Clock
	Jitter           func(max time.Duration) time.Duration
	Log              *slog.Logger
	Metrics          *metrics.Metrics
	Callbacks        Callbacks
	MaxBufferLength  time.Duration
	MaxBufferCeiling time.Duration
	FetchConcurrency int
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	ID                  string
	URL                 string
	State               State
	CurrentTime         float64
	Duration            float64
	IsLoading           bool
	BufferHealthPercent float64
	BufferedAhead       float64
	BufferedBehind      float64
	LastError           string
	LastErrorKind       string
	Handle              string
	Segments            int
	Counters            recovery.Counters
}

// Session is one logical playback. It is safe for concurrent use.
type Session struct {
	id       string
	url      string
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
	recovery *recovery.Machine
	monitor  *bufferhealth.Monitor
	tuner    *bufferTuner

	// ctx is cancelled by Teardown; every goroutine and fetch of the session
	// runs under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// notes are callbacks queued under mu and run by unlock.
	notes   []func()
	state   State
	gen     uint64
	torn    bool
	desc    *playlist.Descriptor
	sched   *prefetch.Scheduler
	runtime Runtime
	sink    MediaSink
	handle  string
	timers  map[clock.Timer]struct{}
	lastErr error

	resumeAfterLoad bool
	resumePending   bool
	preRecovery     State
	stallPaused     bool
	playCancel      context.CancelFunc
	unsubscribe     func()
	lastActivity    time.Time
}

// New returns an uninitialized session for url.
func New(id, url string, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = playlist.NewRegistry()
	}
	if cfg.MaxBufferLength <= 0 {
		cfg.MaxBufferLength = DefaultMaxBufferLength
	}
	if cfg.MaxBufferCeiling <= 0 {
		cfg.MaxBufferCeiling = DefaultMaxBufferCeiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		url:          url,
		cfg:          cfg,
		clock:        cfg.Clock,
		log:          cfg.Log.With(slog.String("session_id", id)),
		metrics:      cfg.Metrics,
		recovery:     recovery.New(recovery.Options{Clock: cfg.Clock, Jitter: cfg.Jitter, Metrics: cfg.Metrics}),
		ctx:          ctx,
		cancel:       cancel,
		timers:       make(map[clock.Timer]struct{}),
		lastActivity: cfg.Clock.Now(),
	}
	s.tuner = newBufferTuner(cfg.Clock, cfg.MaxBufferLength, cfg.MaxBufferCeiling, s.applyBufferLength)
	s.monitor = bufferhealth.NewMonitor(cfg.Clock, s.tuner, s.log)

	if cfg.Connectivity != nil {
		ch, unsubscribe := cfg.Connectivity.Subscribe()
		s.unsubscribe = unsubscribe
		s.wg.Add(1)
		go s.watchConnectivity(ch)
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// URL returns the playlist URL the session was created for.
func (s *Session) URL() string { return s.url }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when a transport control was last invoked.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Load starts initialization in the background: fetch the manifest, warm
// the critical segments, register the synthetic manifest and start the
// runtime. Progress is observable through State and the callbacks.
func (s *Session) Load() error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return ErrTornDown
	}
	if s.state != Uninitialized {
		s.mu.Unlock()
		return ErrAlreadyLoaded
	}
	s.setStateLocked(Loading)
	gen := s.gen
	s.wg.Add(1)
	s.unlock()

	go s.initialize(gen)
	return nil
}

func (s *Session) initialize(gen uint64) {
	defer s.wg.Done()
	if err := s.setup(gen); err != nil {
		if errors.Is(err, errStale) || s.ctx.Err() != nil {
			return
		}
		s.fail(gen, err)
	}
}

func (s *Session) setup(gen uint64) error {
	desc, err := s.cfg.Fetcher.Fetch(s.ctx, s.url)
	if err != nil {
		return err
	}

	sched := prefetch.NewScheduler(s.cfg.Loader, prefetch.Config{
		Concurrency: s.cfg.FetchConcurrency,
		Clock:       s.clock,
		Jitter:      s.cfg.Jitter,
		Log:         s.log,
		Metrics:     s.metrics,
	})
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		sched.Close()
		return errStale
	}
	s.desc = desc
	s.sched = sched
	s.mu.Unlock()

	if err := sched.ScheduleInitialWarm(desc); err != nil {
		return errStale
	}
	if err := sched.WaitCritical(s.ctx); err != nil {
		return errStale
	}

	handle := s.cfg.Registry.Register(playlist.Build(desc))
	rt := s.cfg.NewRuntime()

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.cfg.Registry.Revoke(handle)
		s.guard("destroy runtime", rt.Destroy)
		return errStale
	}
	if s.sink == nil {
		s.sink = s.cfg.NewSink()
		s.wg.Add(1)
		go s.pumpMedia(s.sink)
	}
	sink := s.sink
	s.runtime = rt
	s.handle = handle
	s.wg.Add(1)
	s.mu.Unlock()
	go s.pumpRuntime(gen, rt)

	rt.BufferConfig().SetMaxBufferLength(s.tuner.Effective())
	if err := rt.Attach(sink); err != nil {
		return streamerr.New(streamerr.MediaFault, "attach", s.url, err)
	}
	if err := rt.Load(handle); err != nil {
		return streamerr.New(streamerr.MediaFault, "load", s.url, err)
	}
	if err := rt.StartLoad(); err != nil {
		return streamerr.New(streamerr.MediaFault, "start load", s.url, err)
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return errStale
	}
	resume := s.resumeAfterLoad
	s.resumeAfterLoad = false
	s.setStateLocked(Ready)
	s.unlock()

	s.log.Info("session ready",
		slog.String("url", s.url),
		slog.String("format", desc.Format.String()),
		slog.Int("segments", desc.Len()),
		slog.String("handle", handle),
	)
	if resume {
		if err := s.resume(gen); err != nil {
			s.log.Warn("resume after reload failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Play starts or resumes playback. It is a no-op while already playing and
// before the session is ready. A stalled session reloads the runtime first.
// Rejected attempts are retried with a linear backoff; autoplay policy
// rejections are returned immediately. A successful Play resets the
// recovery counters.
func (s *Session) Play(ctx context.Context) error {
	return s.play(ctx, true)
}

// play runs a play request. Restarts issued by recovery or a stall resume
// pass resetCounters=false; their counters are cleared only once playback
// progresses again.
func (s *Session) play(ctx context.Context, resetCounters bool) error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return ErrTornDown
	}
	s.lastActivity = s.clock.Now()
	switch s.state {
	case Failed:
		s.mu.Unlock()
		return ErrSessionFailed
	case Ready, Paused, Stalled:
	case Recovering:
		s.resumePending = true
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	rt, sink := s.runtime, s.sink
	stalled := s.state == Stalled
	if s.playCancel != nil {
		s.playCancel()
	}
	playCtx, cancel := context.WithCancel(s.ctx)
	s.playCancel = cancel
	s.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if stalled {
		s.log.Info("reloading stalled runtime before play")
		s.restartRuntime(rt)
	}

	var err error
	for attempt := 1; attempt <= MaxPlayAttempts; attempt++ {
		err = sink.Play(playCtx)
		if err == nil {
			s.metrics.IncPlayAttempt("ok")
			s.mu.Lock()
			if s.currentLocked(gen) && playCtx.Err() == nil {
				s.lastErr = nil
				s.stallPaused = false
				s.setStateLocked(Playing)
				if resetCounters {
					s.recovery.Reset()
				}
			}
			s.unlock()
			return nil
		}
		if streamerr.KindOf(err) == streamerr.BrowserPolicyBlocked {
			s.metrics.IncPlayAttempt("blocked")
			s.setLastError(gen, err)
			return err
		}
		if playCtx.Err() != nil {
			return streamerr.New(streamerr.Cancelled, "play", s.url, playCtx.Err())
		}

		s.metrics.IncPlayAttempt("rejected")
		s.log.Warn("play attempt rejected", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt == MaxPlayAttempts {
			break
		}
		if serr := clock.Sleep(playCtx, s.clock, PlayRetryStep*time.Duration(attempt)); serr != nil {
			return streamerr.New(streamerr.Cancelled, "play", s.url, serr)
		}
	}
	s.setLastError(gen, err)
	return err
}

// Pause pauses playback and abandons any play retries in progress. A
// session in recovery stays paused once recovery completes. Pausing a
// session that is not playing is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return ErrTornDown
	}
	s.lastActivity = s.clock.Now()
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	switch s.state {
	case Playing, Stalled:
	case Recovering:
		return s.pauseRecoveringLocked()
	case Loading:
		// A full reload would otherwise resume once ready.
		s.resumeAfterLoad = false
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
	sink := s.sink
	s.stallPaused = false
	s.resumePending = false
	s.setStateLocked(Paused)
	s.noteLocked(s.cfg.Callbacks.OnPlayPaused)
	s.unlock()

	return sink.Pause()
}

// pauseRecoveringLocked makes an in-progress recovery finish in Paused. It
// releases mu.
func (s *Session) pauseRecoveringLocked() error {
	wasPlaying := s.resumePending
	s.resumePending = false
	s.stallPaused = false
	s.preRecovery = Paused
	sink := s.sink
	if wasPlaying {
		s.noteLocked(s.cfg.Callbacks.OnPlayPaused)
	}
	s.unlock()

	if sink == nil || !wasPlaying {
		return nil
	}
	return sink.Pause()
}

// Seek moves the playhead to seconds, clamped to [0, duration], and warms
// the segments from there on.
func (s *Session) Seek(seconds float64) error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return ErrTornDown
	}
	s.lastActivity = s.clock.Now()
	switch s.state {
	case Ready, Playing, Paused, Stalled:
	default:
		s.mu.Unlock()
		return nil
	}
	sink, sched, desc := s.sink, s.sched, s.desc
	s.mu.Unlock()

	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	if d := sink.Duration(); d > 0 && seconds > d {
		seconds = d
	}
	if err := sink.Seek(seconds); err != nil {
		return err
	}
	s.monitor.Reset()
	if sched != nil && desc != nil {
		sched.ScheduleBackgroundWarm(desc, SegmentIndexAt(desc, seconds))
	}
	return nil
}

// Teardown cancels in-flight work, stops and detaches the runtime, releases
// the media sink and revokes the synthetic manifest, in that order. Each
// step is guarded: failures are logged and never stop the remaining steps.
// After Teardown returns the session performs no further state mutation.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	s.gen++
	s.cancel()
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	for tm := range s.timers {
		tm.Stop()
	}
	s.timers = nil
	rt, sink, sched, handle := s.runtime, s.sink, s.sched, s.handle
	s.runtime, s.sink, s.sched, s.handle = nil, nil, nil, ""
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.notes = nil
	s.mu.Unlock()

	if sched != nil {
		s.guard("cancel prefetch", func() error { sched.Close(); return nil })
	}
	s.tuner.Stop()
	if rt != nil {
		s.guard("stop runtime", rt.StopLoad)
		s.guard("detach runtime", rt.Detach)
		s.guard("destroy runtime", rt.Destroy)
	}
	if sink != nil {
		s.guard("release sink", sink.Release)
	}
	if handle != "" {
		s.guard("revoke manifest", func() error { s.cfg.Registry.Revoke(handle); return nil })
	}
	if unsubscribe != nil {
		s.guard("unsubscribe connectivity", func() error { unsubscribe(); return nil })
	}

	s.wg.Wait()
	s.log.Info("session torn down")
}

// Snapshot returns the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		URL:       s.url,
		State:     s.state,
		IsLoading: s.state == Loading || s.state == Recovering,
		Handle:    s.handle,
		Counters:  s.recovery.Counters(),
	}
	if s.desc != nil {
		snap.Segments = s.desc.Len()
	}
	if s.lastErr != nil {
		snap.LastError = streamerr.UserMessage(s.lastErr)
		snap.LastErrorKind = streamerr.KindOf(s.lastErr).String()
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		snap.CurrentTime = sink.CurrentTime()
		snap.Duration = sink.Duration()
	}
	bh := s.monitor.Snapshot()
	snap.BufferHealthPercent = bh.HealthPercent
	snap.BufferedAhead = bh.Ahead
	snap.BufferedBehind = bh.Behind
	return snap
}

// LastError returns the active terminal or play error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SegmentIndexAt returns the index of the segment containing seconds.
func SegmentIndexAt(d *playlist.Descriptor, seconds float64) int {
	elapsed := 0.0
	for i, seg := range d.Segments {
		elapsed += seg.Duration(playlist.DefaultSegmentDuration)
		if seconds < elapsed {
			return i
		}
	}
	return max(0, len(d.Segments)-1)
}

func (s *Session) currentLocked(gen uint64) bool {
	return !s.torn && gen == s.gen
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(gen)
}

// setStateLocked moves to `to` if the transition table allows it and queues
// the matching callbacks.
func (s *Session) setStateLocked(to State) bool {
	from := s.state
	if from == to {
		return false
	}
	if !CanTransition(from, to) {
		s.log.Debug("ignoring illegal transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return false
	}
	s.state = to
	s.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if cb := s.cfg.Callbacks.OnStateChange; cb != nil {
		s.notes = append(s.notes, func() { cb(from, to) })
	}
	if to == Playing {
		s.noteLocked(s.cfg.Callbacks.OnPlayStarted)
	}
	return true
}

func (s *Session) noteLocked(f func()) {
	if f != nil {
		s.notes = append(s.notes, f)
	}
}

// unlock releases mu and runs the callbacks queued while it was held.
func (s *Session) unlock() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, f := range notes {
		f()
	}
}

func (s *Session) setLastError(gen uint64, err error) {
	s.mu.Lock()
	if s.currentLocked(gen) {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// fail moves the session to the terminal Failed state and surfaces err.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.setStateLocked(Failed)
	msg := streamerr.UserMessage(err)
	if cb := s.cfg.Callbacks.OnFatalError; cb != nil {
		s.notes = append(s.notes, func() { cb(msg) })
	}
	rt, sched := s.runtime, s.sched
	s.unlock()

	s.log.Error("session failed",
		slog.String("kind", streamerr.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
	if sched != nil {
		sched.Close()
	}
	if rt != nil {
		s.guard("stop runtime", rt.StopLoad)
	}
}

// after runs fn once d has elapsed, unless the session has been torn down
// or reloaded into a newer generation by then.
func (s *Session) after(gen uint64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		return
	}
	var tm clock.Timer
	tm = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, tm)
		ok := s.currentLocked(gen)
		s.mu.Unlock()
		if ok {
			fn()
		}
	})
	s.timers[tm] = struct{}{}
}

// guard runs a teardown step, logging errors and panics.
func (s *Session) guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("teardown step panicked", slog.String("step", step), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("teardown step failed", slog.String("step", step), slog.String("error", err.Error()))
	}
}

func (s *Session) applyBufferLength(d time.Duration) {
	s.mu.Lock()
	rt := s.runtime
	s.mu.Unlock()
	if rt != nil {
		rt.BufferConfig().SetMaxBufferLength(d)
	}
}
