// Package prefetch downloads media segments into the segment cache: a
// cache-first Loader shared by every session, and a per-session Scheduler
// that warms segments in priority tiers.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"hls-playback/internal/cache"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/streamerr"
)

const (
	// FetchTimeout bounds scheduler-initiated segment loads.
	FetchTimeout = 8 * time.Second
	// FragmentTimeout bounds loads requested by the runtime mid-playback.
	FragmentTimeout = FetchTimeout + 2*time.Second

	maxSegmentBytes = 32 << 20
	cacheKeyPrefix  = "segment:"
)

// CacheKey returns the segment cache key for url.
func CacheKey(url string) string { return cacheKeyPrefix + url }

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Client  *http.Client
	Limiter *rate.Limiter
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// flight is the shared network request behind one singleflight key. It is
// cancelled once every caller waiting on it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Loader fetches segments cache-first. Concurrent loads of one URL share a
// single origin request.
type Loader struct {
	client  *http.Client
	limiter *rate.Limiter
	cache   *cache.Layered[[]byte]
	log     *slog.Logger
	metrics *metrics.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// NewLoader returns a Loader writing through c.
func NewLoader(c *cache.Layered[[]byte], cfg LoaderConfig) *Loader {
	l := &Loader{
		client:  cfg.Client,
		limiter: cfg.Limiter,
		cache:   c,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		flights: make(map[string]*flight),
	}
	if l.client == nil {
		l.client = &http.Client{}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With(slog.String("component", "segment_loader"))
	return l
}

// Cached reports whether url is fresh in the memory cache.
func (l *Loader) Cached(url string) bool {
	_, ok := l.cache.Memory().Get(CacheKey(url))
	return ok
}

// LoadFragment loads a segment on behalf of the playback runtime.
func (l *Loader) LoadFragment(ctx context.Context, url string) ([]byte, error) {
	b, err := l.Load(ctx, url, FragmentTimeout)
	l.metrics.IncSegmentFetch("fragment", outcome(err))
	return b, err
}

// Load returns the bytes of url. A cache hit refreshes the entry and skips the
// network. On a miss the segment is fetched with the given timeout and written
// back. Load returns a Cancelled error as soon as ctx ends, even if the shared
// request is still running for other callers.
func (l *Loader) Load(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	key := CacheKey(url)
	if b, ok := l.cache.Get(ctx, key); ok {
		l.cache.Refresh(ctx, key, b)
		return b, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, streamerr.New(streamerr.Cancelled, "load segment", url, err)
	}

	fl := l.join(key, timeout)
	ch := l.group.DoChan(key, func() (any, error) {
		b, err := l.fetch(fl.ctx, url)
		if err != nil {
			return nil, err
		}
		l.cache.Put(fl.ctx, key, b)
		return b, nil
	})

	select {
	case <-ctx.Done():
		l.leave(key, fl)
		return nil, streamerr.New(streamerr.Cancelled, "load segment", url, ctx.Err())
	case res := <-ch:
		l.leave(key, fl)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (l *Loader) join(key string, timeout time.Duration) *flight {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl, ok := l.flights[key]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		fl = &flight{ctx: ctx, cancel: cancel}
		l.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (l *Loader) leave(key string, fl *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if l.flights[key] == fl {
		delete(l.flights, key)
		l.group.Forget(key)
	}
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	const op = "load segment"

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			if ctx.Err() == context.Canceled {
				return nil, streamerr.New(streamerr.Cancelled, op, url, err)
			}
			// Wait fails early when the reservation would outlive the deadline.
			return nil, streamerr.New(streamerr.Timeout, op, url, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, streamerr.New(streamerr.InvalidSource, op, url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, l.classify(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, streamerr.Origin(op, url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return nil, l.classify(ctx, url, err)
	}
	if len(b) == 0 {
		return nil, streamerr.New(streamerr.EmptySource, op, url, fmt.Errorf("empty segment"))
	}
	return b, nil
}

// classify maps a transport failure on a flight context. The flight has no
// parent of its own: a deadline is a Timeout, an explicit cancel means every
// caller left.
func (l *Loader) classify(ctx context.Context, url string, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return streamerr.New(streamerr.Timeout, "load segment", url, err)
	case context.Canceled:
		return streamerr.New(streamerr.Cancelled, "load segment", url, err)
	}
	return streamerr.New(streamerr.NetworkFault, "load segment", url, err)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return streamerr.KindOf(err).String()
}
