package prefetch

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"hls-playback/internal/clock"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/playlist"
)

// Tier sizes and timing.
const (
	CriticalCount    = 2
	InitialCount     = 4
	WarmWindow       = CriticalCount + InitialCount
	BackgroundWindow = 10

	DefaultMaxAttempts = 3
	DefaultConcurrency = 6

	RetryBaseDelay      = 300 * time.Millisecond
	RetryFactor         = 1.5
	RetryJitter         = 100 * time.Millisecond
	BackgroundBaseDelay = 600 * time.Millisecond
	backgroundStep      = 50 * time.Millisecond
	backgroundStepCap   = 150 * time.Millisecond
)

// ErrClosed is returned by waits on a closed scheduler.
var ErrClosed = errors.New("prefetch scheduler closed")

// errStarted is returned when the initial warm is requested twice.
var errStarted = errors.New("initial warm already scheduled")

// Priority orders tasks in the ready queue. Lower values start first.
type Priority int

const (
	Critical Priority = iota
	Initial
	Background
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case Initial:
		return "initial"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Task is one segment download. Attempt counts failed tries so far.
type Task struct {
	URL      string
	Index    int
	Priority Priority
	Attempt  int

	seq uint64
}

// SegmentLoader is the subset of *Loader the scheduler uses.
type SegmentLoader interface {
	Load(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Config configures a Scheduler.
type Config struct {
	Concurrency int
	MaxAttempts int
	Clock       clock.Clock
	// Jitter returns a uniform duration in [0, max). Nil uses math/rand.
	Jitter  func(max time.Duration) time.Duration
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Stats holds scheduler counters.
type Stats struct {
	Fetched int
	Failed  int
	Retries int
	Queued  int
	Delayed int
	Running int
}

// Scheduler warms one session's segments. Ready tasks are dispatched by
// priority then FIFO, at most Concurrency at a time; delayed tasks (retries
// and staggered background loads) wait on clock timers.
type Scheduler struct {
	loader      SegmentLoader
	clock       clock.Clock
	jitter      func(time.Duration) time.Duration
	concurrency int
	maxAttempts int
	log         *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	started        bool
	urls           []string
	ready          taskHeap
	timers         map[clock.Timer]struct{}
	running        int
	seq            uint64
	pendingCrit    int
	pendingInit    int
	initial        []*Task
	critDone       chan struct{}
	warmDone       chan struct{}
	nextBackground int
	stats          Stats
}

// NewScheduler returns an idle scheduler.
func NewScheduler(loader SegmentLoader, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Jitter == nil {
		cfg.Jitter = uniformJitter
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		loader:      loader,
		clock:       cfg.Clock,
		jitter:      cfg.Jitter,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		log:         cfg.Log.With(slog.String("component", "prefetch")),
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[clock.Timer]struct{}),
		critDone:    make(chan struct{}),
		warmDone:    make(chan struct{}),
	}
}

// ScheduleInitialWarm queues the first min(6, N) segments of d: the first two
// as Critical, the rest as Initial. Initial tasks are only queued once every
// Critical task has settled, successfully or not. When the Initial tier
// settles the Background tier starts from the end of the warm window.
func (s *Scheduler) ScheduleInitialWarm(d *playlist.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return errStarted
	}
	s.started = true
	s.urls = d.SegmentURLs()

	n := min(WarmWindow, len(s.urls))
	crit := min(CriticalCount, n)
	s.pendingCrit = crit
	s.pendingInit = n - crit
	s.nextBackground = n

	for i := crit; i < n; i++ {
		s.initial = append(s.initial, s.newTask(i, Initial))
	}
	if crit == 0 {
		close(s.critDone)
		s.finishWarmLocked()
		return nil
	}
	for i := 0; i < crit; i++ {
		s.pushLocked(s.newTask(i, Critical))
	}
	s.dispatchLocked()
	return nil
}

// ScheduleBackgroundWarm queues up to BackgroundWindow segments of d starting
// at from, staggered by backgroundDelay. Each successful background load
// extends the chain by one segment until the playlist ends.
func (s *Scheduler) ScheduleBackgroundWarm(d *playlist.Descriptor, from int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.urls == nil {
		s.urls = d.SegmentURLs()
	}
	s.startBackgroundLocked(from)
}

// WaitCritical blocks until the Critical tier has settled.
func (s *Scheduler) WaitCritical(ctx context.Context) error {
	return s.wait(ctx, s.critDone)
}

// WaitWarm blocks until the Critical and Initial tiers have settled.
func (s *Scheduler) WaitWarm(ctx context.Context) error {
	return s.wait(ctx, s.warmDone)
}

func (s *Scheduler) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.ready.Len()
	st.Delayed = len(s.timers)
	st.Running = s.running
	return st
}

// Close cancels every queued, delayed and in-flight task and waits for the
// workers to exit. No task starts or reports after Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	for tm := range s.timers {
		tm.Stop()
	}
	s.timers = nil
	s.ready = nil
	s.initial = nil
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) newTask(index int, p Priority) *Task {
	return &Task{URL: s.urls[index], Index: index, Priority: p}
}

func (s *Scheduler) pushLocked(t *Task) {
	s.seq++
	t.seq = s.seq
	heap.Push(&s.ready, t)
}

// scheduleLocked queues t after delay.
func (s *Scheduler) scheduleLocked(t *Task, delay time.Duration) {
	if delay <= 0 {
		s.pushLocked(t)
		s.dispatchLocked()
		return
	}
	var tm clock.Timer
	tm = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		delete(s.timers, tm)
		s.pushLocked(t)
		s.dispatchLocked()
	})
	s.timers[tm] = struct{}{}
}

func (s *Scheduler) dispatchLocked() {
	for !s.closed && s.running < s.concurrency && s.ready.Len() > 0 {
		t := heap.Pop(&s.ready).(*Task)
		s.running++
		s.wg.Add(1)
		go s.run(t)
	}
}

func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()

	_, err := s.loader.Load(s.ctx, t.URL, FetchTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if s.closed {
		return
	}
	s.metrics.IncSegmentFetch(t.Priority.String(), outcome(err))
	if err == nil {
		s.stats.Fetched++
		s.onSuccessLocked(t)
	} else {
		s.onFailureLocked(t, err)
	}
	s.dispatchLocked()
}

func (s *Scheduler) onSuccessLocked(t *Task) {
	if t.Priority != Background {
		s.settleLocked(t)
		return
	}
	if s.nextBackground < len(s.urls) {
		next := s.newTask(s.nextBackground, Background)
		s.nextBackground++
		s.scheduleLocked(next, BackgroundBaseDelay)
	}
}

func (s *Scheduler) onFailureLocked(t *Task, err error) {
	if t.Priority == Background {
		s.stats.Failed++
		s.log.Debug("background prefetch failed", slog.Int("index", t.Index), slog.String("error", err.Error()))
		return
	}

	t.Attempt++
	if t.Attempt < s.maxAttempts {
		delay := s.retryDelay(t.Attempt - 1)
		s.stats.Retries++
		s.log.Debug("retrying segment prefetch",
			slog.Int("index", t.Index),
			slog.String("priority", t.Priority.String()),
			slog.Int("attempt", t.Attempt),
			slog.Int64("delay_ms", delay.Milliseconds()),
		)
		s.scheduleLocked(t, delay)
		return
	}

	s.stats.Failed++
	s.log.Warn("segment prefetch gave up",
		slog.Int("index", t.Index),
		slog.String("priority", t.Priority.String()),
		slog.String("error", err.Error()),
	)
	s.settleLocked(t)
}

func (s *Scheduler) settleLocked(t *Task) {
	switch t.Priority {
	case Critical:
		s.pendingCrit--
		if s.pendingCrit > 0 {
			return
		}
		close(s.critDone)
		if s.pendingInit == 0 {
			s.finishWarmLocked()
			return
		}
		for _, it := range s.initial {
			s.pushLocked(it)
		}
		s.initial = nil
	case Initial:
		s.pendingInit--
		if s.pendingInit == 0 {
			s.finishWarmLocked()
		}
	}
}

func (s *Scheduler) finishWarmLocked() {
	close(s.warmDone)
	s.startBackgroundLocked(s.nextBackground)
}

func (s *Scheduler) startBackgroundLocked(from int) {
	if from < 0 {
		from = 0
	}
	end := min(from+BackgroundWindow, len(s.urls))
	for i := from; i < end; i++ {
		s.scheduleLocked(s.newTask(i, Background), backgroundDelay(i-from))
	}
	if end > s.nextBackground {
		s.nextBackground = end
	}
}

// retryDelay is RetryBaseDelay × 1.5^retry plus jitter.
func (s *Scheduler) retryDelay(retry int) time.Duration {
	base := time.Duration(float64(RetryBaseDelay) * math.Pow(RetryFactor, float64(retry)))
	return base + s.jitter(RetryJitter)
}

// backgroundDelay staggers the i-th background task.
func backgroundDelay(i int) time.Duration {
	step := min(backgroundStepCap, backgroundStep*time.Duration(i/2))
	return BackgroundBaseDelay + time.Duration(i)*step
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
