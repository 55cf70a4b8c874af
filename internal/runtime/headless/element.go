package headless

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hls-playback/internal/bufferhealth"
	"hls-playback/internal/clock"
	"hls-playback/internal/player"
	"hls-playback/internal/streamerr"
)

// TickInterval is how often the playhead advances and timeupdate fires.
const TickInterval = 250 * time.Millisecond

var ErrReleased = errors.New("media element released")

// ElementConfig configures an Element.
type ElementConfig struct {
	Clock clock.Clock
	Log   *slog.Logger
	// BlockAutoplay makes the first Play fail with a policy rejection. The
	// next Play, or AllowPlayback, counts as the user gesture.
	BlockAutoplay bool
}

// Element is a media element without an output device. Its playhead advances
// in real (or fake) time through the buffered ranges appended by a Runtime.
type Element struct {
	clock  clock.Clock
	log    *slog.Logger
	events chan player.MediaEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// emitMu guards sends on events against Release closing it.
	emitMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	position float64
	duration float64
	buffered []bufferhealth.Range
	playing  bool
	waiting  bool
	blocked  bool
	released bool
}

// NewElement returns a paused element at position zero.
func NewElement(cfg ElementConfig) *Element {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Element{
		clock:   cfg.Clock,
		log:     cfg.Log.With(slog.String("component", "element")),
		events:  make(chan player.MediaEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
		blocked: cfg.BlockAutoplay,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// AllowPlayback lifts an autoplay block, as a user gesture would.
func (e *Element) AllowPlayback() {
	e.mu.Lock()
	e.blocked = false
	e.mu.Unlock()
}

func (e *Element) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return streamerr.New(streamerr.Cancelled, "play", "", err)
	}
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrReleased
	}
	if e.blocked {
		e.blocked = false
		e.mu.Unlock()
		return streamerr.New(streamerr.BrowserPolicyBlocked, "play", "", errors.New("play() requires a user gesture"))
	}
	if e.playing {
		e.mu.Unlock()
		return nil
	}
	if e.duration > 0 && e.position >= e.duration {
		e.position = 0
	}
	e.playing = true
	e.waiting = playable(e.position, e.buffered) <= 0
	kind := player.MediaPlaying
	if e.waiting {
		kind = player.MediaWaiting
	}
	pos := e.position
	e.mu.Unlock()

	e.emit(player.MediaEvent{Kind: kind, Time: pos})
	return nil
}

func (e *Element) Pause() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrReleased
	}
	if !e.playing {
		e.mu.Unlock()
		return nil
	}
	e.playing = false
	e.waiting = false
	pos := e.position
	e.mu.Unlock()

	e.emit(player.MediaEvent{Kind: player.MediaPaused, Time: pos})
	return nil
}

func (e *Element) Seek(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	seconds = max(0, seconds)
	if e.duration > 0 {
		seconds = min(seconds, e.duration)
	}
	e.position = seconds
	return nil
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *Element) Buffered() []bufferhealth.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bufferhealth.Range(nil), e.buffered...)
}

func (e *Element) Events() <-chan player.MediaEvent { return e.events }

// Paused reports whether the element is not playing.
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.playing
}

// Release stops the playhead and closes the event channel.
func (e *Element) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.playing = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.emitMu.Lock()
	e.closed = true
	close(e.events)
	e.emitMu.Unlock()
	return nil
}

func (e *Element) setDuration(d float64) {
	e.mu.Lock()
	e.duration = d
	e.mu.Unlock()
}

// appendRange adds [start, end) to the buffered ranges, merging overlaps.
func (e *Element) appendRange(start, end float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffered = mergeRanges(append(e.buffered, bufferhealth.Range{Start: start, End: end}))
}

// dropAhead discards everything buffered after the playhead.
func (e *Element) dropAhead() {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.buffered[:0]
	for _, r := range e.buffered {
		if r.Start >= e.position {
			continue
		}
		r.End = min(r.End, e.position)
		kept = append(kept, r)
	}
	e.buffered = kept
}

func (e *Element) covers(t float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.buffered {
		if t >= r.Start && t < r.End {
			return true
		}
	}
	return false
}

func (e *Element) run() {
	defer e.wg.Done()
	for {
		if err := clock.Sleep(e.ctx, e.clock, TickInterval); err != nil {
			return
		}
		e.tick()
	}
}

// tick advances the playhead by one interval, limited to the contiguous
// buffered data ahead of it.
func (e *Element) tick() {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return
	}
	var out []player.MediaEvent
	step := min(TickInterval.Seconds(), playable(e.position, e.buffered))
	e.position += step

	switch {
	case e.duration > 0 && e.position >= e.duration-1e-9:
		e.position = e.duration
		e.playing = false
		e.waiting = false
		out = append(out,
			player.MediaEvent{Kind: player.MediaTimeUpdate, Time: e.position},
			player.MediaEvent{Kind: player.MediaEnded, Time: e.position},
		)
	case step <= 0:
		if !e.waiting {
			e.waiting = true
			out = append(out, player.MediaEvent{Kind: player.MediaWaiting, Time: e.position})
		}
	default:
		if e.waiting {
			e.waiting = false
			out = append(out, player.MediaEvent{Kind: player.MediaPlaying, Time: e.position})
		}
		out = append(out, player.MediaEvent{Kind: player.MediaTimeUpdate, Time: e.position})
	}
	e.mu.Unlock()

	for _, ev := range out {
		e.emit(ev)
	}
}

func (e *Element) emit(ev player.MediaEvent) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// playable returns the contiguous buffered seconds from position on.
func playable(position float64, ranges []bufferhealth.Range) float64 {
	for _, r := range ranges {
		if position >= r.Start && position < r.End {
			return r.End - position
		}
	}
	return 0
}

func mergeRanges(rs []bufferhealth.Range) []bufferhealth.Range {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:0]
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+1e-6 {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}
