package player

import (
	"context"
	"sync"
	"time"

	"hls-playback/internal/bufferhealth"
	"hls-playback/internal/recovery"
)

// EventKind identifies a runtime event.
type EventKind int

const (
	EventError EventKind = iota
	EventManifestParsed
	EventLevelLoaded
	EventFragmentLoaded
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventManifestParsed:
		return "manifest_parsed"
	case EventLevelLoaded:
		return "level_loaded"
	case EventFragmentLoaded:
		return "fragment_loaded"
	default:
		return "unknown"
	}
}

// Event is emitted by a Runtime. Only the fields relevant to Kind are set.
type Event struct {
	Kind          EventKind
	Error         recovery.ErrorEvent
	LevelCount    int
	LevelID       int
	FragmentCount int
	FragmentID    int
}

// BufferConfig is the runtime's mutable buffering configuration.
type BufferConfig struct {
	mu              sync.RWMutex
	maxBufferLength time.Duration
}

// NewBufferConfig returns a config with the given max buffer length.
func NewBufferConfig(maxBufferLength time.Duration) *BufferConfig {
	return &BufferConfig{maxBufferLength: maxBufferLength}
}

// MaxBufferLength returns how far ahead of the playhead the runtime buffers.
func (c *BufferConfig) MaxBufferLength() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBufferLength
}

// SetMaxBufferLength updates the max buffer length.
func (c *BufferConfig) SetMaxBufferLength(d time.Duration) {
	c.mu.Lock()
	c.maxBufferLength = d
	c.mu.Unlock()
}

// Runtime is the external adaptive streaming engine a session drives. It
// demuxes and decodes; the session owns its lifecycle.
type Runtime interface {
	// Load points the runtime at a manifest reference (a synthetic handle).
	Load(source string) error
	Attach(sink MediaSink) error
	Detach() error
	// Destroy releases the runtime and closes its Events channel.
	Destroy() error
	StartLoad() error
	StopLoad() error
	Events() <-chan Event
	BufferConfig() *BufferConfig
	// RecoverMediaError resets the decoding pipeline after a media error.
	RecoverMediaError() error
}

// MediaEventKind identifies a media element event.
type MediaEventKind int

const (
	MediaPlaying MediaEventKind = iota
	MediaPaused
	MediaWaiting
	MediaEnded
	MediaTimeUpdate
)

// String returns the string representation of the media event kind.
func (k MediaEventKind) String() string {
	switch k {
	case MediaPlaying:
		return "playing"
	case MediaPaused:
		return "paused"
	case MediaWaiting:
		return "waiting"
	case MediaEnded:
		return "ended"
	case MediaTimeUpdate:
		return "timeupdate"
	default:
		return "unknown"
	}
}

// MediaEvent is emitted by a MediaSink. Time is the playhead in seconds.
type MediaEvent struct {
	Kind MediaEventKind
	Time float64
}

// MediaSink is the media element a runtime renders into.
type MediaSink interface {
	// Play starts playback. A rejection caused by autoplay policy is returned
	// as a streamerr.BrowserPolicyBlocked error.
	Play(ctx context.Context) error
	Pause() error
	Seek(seconds float64) error
	CurrentTime() float64
	Duration() float64
	Buffered() []bufferhealth.Range
	Events() <-chan MediaEvent
	// Release frees the element and closes its Events channel.
	Release() error
}
