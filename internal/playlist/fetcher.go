package playlist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hls-playback/internal/cache"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/streamerr"
)

const (
	// DefaultTimeout bounds a single manifest request.
	DefaultTimeout = 8 * time.Second

	maxManifestBytes = 4 << 20
	cacheKeyPrefix   = "manifest:"
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Client *http.Client
	// OriginBaseURL resolves root-relative playlist URLs.
	OriginBaseURL string
	Timeout       time.Duration
	// Limiter throttles origin requests; nil means unlimited.
	Limiter *rate.Limiter
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Fetcher resolves playlist URLs into healed descriptors, cache first.
type Fetcher struct {
	client  *http.Client
	origin  *url.URL
	timeout time.Duration
	limiter *rate.Limiter
	cache   *cache.Layered[CachedManifest]
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewFetcher returns a Fetcher backed by c.
func NewFetcher(c *cache.Layered[CachedManifest], cfg FetcherConfig) (*Fetcher, error) {
	f := &Fetcher{
		client:  cfg.Client,
		timeout: cfg.Timeout,
		limiter: cfg.Limiter,
		cache:   c,
		log:     cfg.Log,
		metrics: cfg.Metrics,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	f.log = f.log.With(slog.String("component", "manifest_fetcher"))
	if cfg.OriginBaseURL != "" {
		u, err := url.Parse(cfg.OriginBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid origin base url %q", cfg.OriginBaseURL)
		}
		f.origin = u
	}
	return f, nil
}

// CacheKey returns the manifest cache key for a resolved playlist URL.
func CacheKey(resolved string) string { return cacheKeyPrefix + resolved }

// Fetch returns the descriptor for rawURL. Successful results are written to
// the manifest cache as normalized text with their source metadata before
// returning; failures are never
// cached. Cancelling ctx aborts the request with a Cancelled error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Descriptor, error) {
	src, err := f.ResolveSource(rawURL)
	if err != nil {
		f.metrics.IncManifestFetch(streamerr.KindOf(err).String())
		return nil, err
	}
	key := CacheKey(src.String())

	if cached, ok := f.cache.Get(ctx, key); ok {
		d, err := cached.Descriptor(src)
		if err == nil {
			f.metrics.IncManifestFetch("cache_hit")
			return d, nil
		}
		f.log.Warn("discarding undecodable cached manifest", slog.String("url", src.String()), slog.String("error", err.Error()))
	}

	d, err := f.fetchAndParse(ctx, src)
	if err != nil {
		f.metrics.IncManifestFetch(streamerr.KindOf(err).String())
		f.log.Warn("manifest fetch failed",
			slog.String("url", src.String()),
			slog.String("kind", streamerr.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	f.cache.Put(ctx, key, NewCachedManifest(d))
	f.metrics.IncManifestFetch("ok")
	f.log.Debug("manifest fetched",
		slog.String("url", src.String()),
		slog.String("format", d.Format.String()),
		slog.Int("segments", d.Len()),
	)
	return d, nil
}

// ResolveSource validates rawURL and returns it as an absolute URL.
func (f *Fetcher) ResolveSource(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, streamerr.New(streamerr.InvalidSource, "resolve", rawURL, fmt.Errorf("empty url"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, streamerr.New(streamerr.InvalidSource, "resolve", rawURL, err)
	}
	switch {
	case (u.Scheme == "http" || u.Scheme == "https") && u.Host != "":
		return u, nil
	case u.Scheme == "" && u.Host == "" && strings.HasPrefix(rawURL, "/") && !strings.HasPrefix(rawURL, "//"):
		if f.origin == nil {
			return nil, streamerr.New(streamerr.InvalidSource, "resolve", rawURL, fmt.Errorf("root-relative url without origin base"))
		}
		return f.origin.ResolveReference(u), nil
	default:
		return nil, streamerr.New(streamerr.InvalidSource, "resolve", rawURL, fmt.Errorf("url must be absolute http(s) or root-relative"))
	}
}

func (f *Fetcher) fetchAndParse(ctx context.Context, src *url.URL) (*Descriptor, error) {
	body, err := f.get(ctx, src.String())
	if err != nil {
		return nil, err
	}
	if !IsMaster(body) {
		return Parse(body, src)
	}

	variant, err := SelectVariant(body, src)
	if err != nil {
		return nil, err
	}
	f.log.Debug("selected variant", slog.String("url", src.String()), slog.String("variant", variant))

	body, err = f.get(ctx, variant)
	if err != nil {
		return nil, err
	}
	if IsMaster(body) {
		return nil, streamerr.New(streamerr.UnrecognizedFormat, "fetch manifest", variant, fmt.Errorf("nested master playlist"))
	}
	vu, err := url.Parse(variant)
	if err != nil {
		return nil, streamerr.New(streamerr.InvalidSource, "fetch manifest", variant, err)
	}
	d, err := Parse(body, vu)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (f *Fetcher) get(ctx context.Context, target string) (string, error) {
	const op = "fetch manifest"

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", streamerr.New(streamerr.Cancelled, op, target, err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return "", streamerr.New(streamerr.InvalidSource, op, target, err)
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegurl, text/plain;q=0.8, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", streamerr.FromContext(ctx, reqCtx, op, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", streamerr.Origin(op, target, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return "", streamerr.FromContext(ctx, reqCtx, op, target, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", streamerr.New(streamerr.EmptySource, op, target, nil)
	}
	return string(b), nil
}
