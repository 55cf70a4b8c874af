package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hls-playback/internal/bufferhealth"
	"hls-playback/internal/clock"
	"hls-playback/internal/connectivity"
	"hls-playback/internal/platform/logger"
	"hls-playback/internal/playlist"
	"hls-playback/internal/recovery"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeRuntime struct {
	mu        sync.Mutex
	events    chan Event
	cfg       *BufferConfig
	sink      MediaSink
	source    string
	starts    int
	stops     int
	recovers  int
	detached  bool
	destroyed bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{events: make(chan Event, 64), cfg: NewBufferConfig(0)}
}

func (r *fakeRuntime) Load(source string) error {
	r.mu.Lock()
	r.source = source
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Attach(sink MediaSink) error {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Detach() error {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.destroyed {
		r.destroyed = true
		close(r.events)
	}
	return nil
}

func (r *fakeRuntime) StartLoad() error {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) StopLoad() error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) Events() <-chan Event         { return r.events }
func (r *fakeRuntime) BufferConfig() *BufferConfig { return r.cfg }

func (r *fakeRuntime) RecoverMediaError() error {
	r.mu.Lock()
	r.recovers++
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) emit(ev Event) { r.events <- ev }

func (r *fakeRuntime) emitError(typ recovery.ErrorType, detail string, fatal bool) {
	r.emit(Event{Kind: EventError, Error: recovery.ErrorEvent{Type: typ, Detail: detail, Fatal: fatal}})
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRuntime) recoverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovers
}

func (r *fakeRuntime) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

type fakeSink struct {
	mu       sync.Mutex
	events   chan MediaEvent
	playErrs []error
	plays    int
	pauses   int
	seeks    []float64
	position float64
	duration float64
	buffered []bufferhealth.Range
	released bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan MediaEvent, 64), duration: 20}
}

func (s *fakeSink) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	if len(s.playErrs) > 0 {
		err := s.playErrs[0]
		s.playErrs = s.playErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSink) Pause() error {
	s.mu.Lock()
	s.pauses++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Seek(seconds float64) error {
	s.mu.Lock()
	s.seeks = append(s.seeks, seconds)
	s.position = seconds
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *fakeSink) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *fakeSink) Buffered() []bufferhealth.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bufferhealth.Range(nil), s.buffered...)
}

func (s *fakeSink) Events() <-chan MediaEvent { return s.events }

func (s *fakeSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		close(s.events)
	}
	return nil
}

func (s *fakeSink) setPosition(pos float64, ranges ...bufferhealth.Range) {
	s.mu.Lock()
	s.position = pos
	s.buffered = ranges
	s.mu.Unlock()
}

func (s *fakeSink) counts() (plays, pauses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays, s.pauses
}

func (s *fakeSink) lastSeek() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seeks) == 0 {
		return -1
	}
	return s.seeks[len(s.seeks)-1]
}

type stubFetcher struct {
	mu    sync.Mutex
	desc  *playlist.Descriptor
	err   error
	calls int
}

func (f *stubFetcher) Fetch(context.Context, string) (*playlist.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.desc, f.err
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type okLoader struct{}

func (okLoader) Load(context.Context, string, time.Duration) ([]byte, error) {
	return []byte("segment"), nil
}

func testDescriptor(n int) *playlist.Descriptor {
	d := &playlist.Descriptor{Source: "https://cdn.example.com/track.m3u8", Format: playlist.BareList}
	for i := range n {
		d.Segments = append(d.Segments, playlist.SegmentRef{
			URL:         fmt.Sprintf("https://cdn.example.com/seg%d.ts", i),
			DurationTag: playlist.SynthesizedDurationTag(playlist.DefaultSegmentDuration),
		})
	}
	return d
}

// recorder counts callback invocations.
type recorder struct {
	mu      sync.Mutex
	started int
	paused  int
	ended   int
	fatal   []string
	changes []State
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPlayStarted: func() { r.mu.Lock(); r.started++; r.mu.Unlock() },
		OnPlayPaused:  func() { r.mu.Lock(); r.paused++; r.mu.Unlock() },
		OnEnded:       func() { r.mu.Lock(); r.ended++; r.mu.Unlock() },
		OnFatalError: func(msg string) {
			r.mu.Lock()
			r.fatal = append(r.fatal, msg)
			r.mu.Unlock()
		},
		OnStateChange: func(_, to State) {
			r.mu.Lock()
			r.changes = append(r.changes, to)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		started: r.started,
		paused:  r.paused,
		ended:   r.ended,
		fatal:   append([]string(nil), r.fatal...),
		changes: append([]State(nil), r.changes...),
	}
}

type harness struct {
	t        *testing.T
	clock    *clock.Fake
	fetcher  *stubFetcher
	registry *playlist.Registry
	online   *connectivity.Monitor
	sink     *fakeSink
	rec      *recorder
	session  *Session

	mu       sync.Mutex
	runtimes []*fakeRuntime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    clock.NewFake(epoch),
		fetcher:  &stubFetcher{desc: testDescriptor(2)},
		registry: playlist.NewRegistry(),
		online:   connectivity.NewMonitor(true, logger.Discard()),
		sink:     newFakeSink(),
		rec:      &recorder{},
	}
	h.session = New("s1", "https://cdn.example.com/track.m3u8", Config{
		Fetcher:  h.fetcher,
		Loader:   okLoader{},
		Registry: h.registry,
		NewRuntime: func() Runtime {
			rt := newFakeRuntime()
			h.mu.Lock()
			h.runtimes = append(h.runtimes, rt)
			h.mu.Unlock()
			return rt
		},
		NewSink:      func() MediaSink { return h.sink },
		Connectivity: h.online,
		Clock:        h.clock,
		Jitter:       func(time.Duration) time.Duration { return 0 },
		Log:          logger.Discard(),
		Callbacks:    h.rec.callbacks(),
	})
	t.Cleanup(h.session.Teardown)
	return h
}

// ready loads the session and waits for it to become Ready.
func (h *harness) ready() *fakeRuntime {
	h.t.Helper()
	require.NoError(h.t, h.session.Load())
	h.waitState(Ready)
	return h.runtime(0)
}

func (h *harness) playing() *fakeRuntime {
	h.t.Helper()
	rt := h.ready()
	require.NoError(h.t, h.session.Play(context.Background()))
	require.Equal(h.t, Playing, h.session.State())
	return rt
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want }, 2*time.Second, time.Millisecond,
		"want state %s", want)
}

func (h *harness) runtime(i int) *fakeRuntime {
	h.t.Helper()
	var rt *fakeRuntime
	require.Eventually(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.runtimes) > i {
			rt = h.runtimes[i]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return rt
}

func (h *harness) runtimeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runtimes)
}

var errRejected = errors.New("play rejected")
