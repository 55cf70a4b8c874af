// Package headless implements the streaming runtime and media element the
// player drives, without decoding or audio output. It is what the server
// runs sessions against, and it exercises the same loader, cache and
// recovery paths a browser runtime would.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"hls-playback/internal/clock"
	"hls-playback/internal/player"
	"hls-playback/internal/playlist"
	"hls-playback/internal/recovery"
	"hls-playback/internal/streamerr"
)

const (
	// FragmentRetries is how many times a fragment is retried before the
	// failure is reported as fatal.
	FragmentRetries    = 3
	FragmentRetryDelay = time.Second
	// IdlePoll is how often a loader with a full buffer rechecks it.
	IdlePoll = 500 * time.Millisecond
)

var (
	ErrDestroyed       = errors.New("runtime destroyed")
	ErrNotAttached     = errors.New("runtime has no media element")
	ErrUnsupportedSink = errors.New("media sink is not a headless element")
)

// FragmentLoader is the subset of *prefetch.Loader the runtime uses.
type FragmentLoader interface {
	LoadFragment(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Runtime.
type Config struct {
	Registry *playlist.Registry
	Loader   FragmentLoader
	Clock    clock.Clock
	Log      *slog.Logger
}

type fragment struct {
	url      string
	start    float64
	duration float64
}

// Runtime loads the fragments of a synthetic manifest into an Element,
// staying at most MaxBufferLength ahead of the playhead.
type Runtime struct {
	registry *playlist.Registry
	loader   FragmentLoader
	clock    clock.Clock
	log      *slog.Logger
	config   *player.BufferConfig
	events   chan player.Event

	ctx    context.Context
	cancel context.CancelFunc

	// emitMu guards sends on events against Destroy closing it.
	emitMu sync.RWMutex
	closed bool

	mu         sync.Mutex
	element    *Element
	fragments  []fragment
	loadCancel context.CancelFunc
	loadDone   chan struct{}
	destroyed  bool
}

// New returns an idle runtime.
func New(cfg Config) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		registry: cfg.Registry,
		loader:   cfg.Loader,
		clock:    cfg.Clock,
		log:      cfg.Log.With(slog.String("component", "runtime")),
		config:   player.NewBufferConfig(player.DefaultMaxBufferLength),
		events:   make(chan player.Event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach binds the runtime to a media element.
func (r *Runtime) Attach(sink player.MediaSink) error {
	el, ok := sink.(*Element)
	if !ok {
		return ErrUnsupportedSink
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	r.element = el
	if len(r.fragments) > 0 {
		el.setDuration(totalDuration(r.fragments))
	}
	return nil
}

// Detach stops loading and unbinds the element.
func (r *Runtime) Detach() error {
	r.stopLoader()
	r.mu.Lock()
	r.element = nil
	r.mu.Unlock()
	return nil
}

// Load opens the synthetic manifest behind handle and decodes its segments.
func (r *Runtime) Load(handle string) error {
	manifest, ok := r.registry.Open(handle)
	if !ok {
		return fmt.Errorf("open manifest %q: handle not registered", handle)
	}
	frags, err := decodeMedia(manifest)
	if err != nil {
		r.emit(r.ctx, player.Event{Kind: player.EventError, Error: recovery.ErrorEvent{
			Type: recovery.NetworkError, Detail: recovery.DetailManifestLoadError, Fatal: true,
		}})
		r.log.Warn("manifest decode failed", slog.String("error", err.Error()))
		return nil
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	r.fragments = frags
	if r.element != nil {
		r.element.setDuration(totalDuration(frags))
	}
	r.mu.Unlock()

	r.emit(r.ctx, player.Event{Kind: player.EventManifestParsed, LevelCount: 1})
	r.emit(r.ctx, player.Event{Kind: player.EventLevelLoaded, LevelID: 0, FragmentCount: len(frags)})
	return nil
}

// StartLoad starts the fragment loader. A running loader is left alone.
func (r *Runtime) StartLoad() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.element == nil {
		return ErrNotAttached
	}
	if r.loadCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.loadCancel, r.loadDone = cancel, done
	go r.load(ctx, done)
	return nil
}

// StopLoad stops the fragment loader and waits for it to exit.
func (r *Runtime) StopLoad() error {
	r.stopLoader()
	return nil
}

// RecoverMediaError drops the buffer ahead of the playhead and reloads it.
func (r *Runtime) RecoverMediaError() error {
	r.mu.Lock()
	el := r.element
	loading := r.loadCancel != nil
	r.mu.Unlock()
	if el == nil {
		return ErrNotAttached
	}
	r.stopLoader()
	el.dropAhead()
	if !loading {
		return nil
	}
	return r.StartLoad()
}

// Destroy stops loading and closes the event channel.
func (r *Runtime) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	r.mu.Unlock()

	r.stopLoader()
	r.cancel()
	r.emitMu.Lock()
	r.closed = true
	close(r.events)
	r.emitMu.Unlock()
	return nil
}

func (r *Runtime) Events() <-chan player.Event { return r.events }

func (r *Runtime) BufferConfig() *player.BufferConfig { return r.config }

func (r *Runtime) stopLoader() {
	r.mu.Lock()
	cancel, done := r.loadCancel, r.loadDone
	r.loadCancel, r.loadDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// load fetches, in order, the first fragment from the playhead on that is
// not buffered yet, idling while the buffer is full or complete.
func (r *Runtime) load(ctx context.Context, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		r.mu.Lock()
		el, frags := r.element, r.fragments
		r.mu.Unlock()
		if el == nil {
			return
		}

		id := nextFragment(frags, el)
		if id >= len(frags) || frags[id].start-el.CurrentTime() >= r.config.MaxBufferLength().Seconds() {
			if err := clock.Sleep(ctx, r.clock, IdlePoll); err != nil {
				return
			}
			continue
		}
		frag := frags[id]

		_, err := r.loader.LoadFragment(ctx, frag.url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			fatal := failures > FragmentRetries
			detail := recovery.DetailFragLoadError
			if streamerr.KindOf(err) == streamerr.Timeout {
				detail = recovery.DetailFragLoadTimeout
			}
			r.log.Warn("fragment load failed",
				slog.Int("fragment", id),
				slog.Int("attempt", failures),
				slog.Bool("fatal", fatal),
				slog.String("error", err.Error()),
			)
			r.emit(ctx, player.Event{Kind: player.EventError, Error: recovery.ErrorEvent{
				Type: recovery.NetworkError, Detail: detail, Fatal: fatal,
			}})
			if fatal {
				return
			}
			if err := clock.Sleep(ctx, r.clock, FragmentRetryDelay*time.Duration(failures)); err != nil {
				return
			}
			continue
		}

		failures = 0
		el.appendRange(frag.start, frag.start+frag.duration)
		r.emit(ctx, player.Event{Kind: player.EventFragmentLoaded, FragmentID: id})
	}
}

func (r *Runtime) emit(ctx context.Context, ev player.Event) {
	r.emitMu.RLock()
	defer r.emitMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// decodeMedia reads the fragment list of a media playlist.
func decodeMedia(manifest string) ([]fragment, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(manifest), false)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("decode manifest: not a media playlist")
	}
	media := pl.(*m3u8.MediaPlaylist)

	var frags []fragment
	start := 0.0
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		dur := seg.Duration
		if dur <= 0 {
			dur = playlist.DefaultSegmentDuration
		}
		frags = append(frags, fragment{url: seg.URI, start: start, duration: dur})
		start += dur
	}
	if len(frags) == 0 {
		return nil, errors.New("decode manifest: no segments")
	}
	return frags, nil
}

func totalDuration(frags []fragment) float64 {
	if len(frags) == 0 {
		return 0
	}
	last := frags[len(frags)-1]
	return last.start + last.duration
}

func fragmentAt(frags []fragment, position float64) int {
	for i, f := range frags {
		if position < f.start+f.duration {
			return i
		}
	}
	return len(frags)
}

func nextFragment(frags []fragment, el *Element) int {
	i := fragmentAt(frags, el.CurrentTime())
	for i < len(frags) && el.covers(frags[i].start+frags[i].duration/2) {
		i++
	}
	return i
}
