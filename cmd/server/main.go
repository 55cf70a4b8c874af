package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-playback/internal/cache"
	"hls-playback/internal/clock"
	"hls-playback/internal/connectivity"
	"hls-playback/internal/platform/config"
	"hls-playback/internal/platform/logger"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/playback"
	"hls-playback/internal/player"
	"hls-playback/internal/playlist"
	"hls-playback/internal/prefetch"
	"hls-playback/internal/runtime/headless"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = time.Minute
	reaperInterval  = time.Minute
)

func main() {
	_ = config.Load()

	settings, err := config.LoadSettings()
	log := logger.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	met := metrics.New()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	manifestMem := cache.New[playlist.CachedManifest](cache.Options{
		Name: "manifest", TTL: settings.ManifestCacheTTL, MaxEntries: settings.ManifestCacheSize, Metrics: met,
	})
	segmentMem := cache.New[[]byte](cache.Options{
		Name: "segment", TTL: settings.SegmentCacheTTL, MaxEntries: settings.SegmentCacheSize, Metrics: met,
	})
	go manifestMem.RunJanitor(ctx, janitorInterval)
	go segmentMem.RunJanitor(ctx, janitorInterval)

	var tier cache.Tier
	if settings.RedisAddr != "" {
		redisTier, err := cache.NewRedisTier(ctx, cache.RedisConfig{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		}, log)
		if err != nil {
			log.Warn("redis cache tier unavailable, using memory only", "addr", settings.RedisAddr, "error", err)
		} else {
			defer redisTier.Close()
			tier = redisTier
		}
	}

	var limiter *rate.Limiter
	if settings.OriginRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(settings.OriginRPS), max(1, int(settings.OriginRPS)))
	}

	fetcher, err := playlist.NewFetcher(cache.NewLayered(manifestMem, tier, playlist.ManifestCodec, log), playlist.FetcherConfig{
		OriginBaseURL: settings.OriginBaseURL,
		Limiter:       limiter,
		Log:           log,
		Metrics:       met,
	})
	if err != nil {
		log.Error("invalid origin configuration", "error", err)
		os.Exit(1)
	}
	loader := prefetch.NewLoader(cache.NewLayered(segmentMem, tier, cache.BytesCodec, log), prefetch.LoaderConfig{
		Limiter: limiter,
		Log:     log,
		Metrics: met,
	})
	registry := playlist.NewRegistry()

	conn := connectivity.NewMonitor(true, log)
	if targets := probeTargets(settings.OriginBaseURL); len(targets) > 0 {
		prober := connectivity.NewProber(conn, connectivity.ProberConfig{
			Targets:  targets,
			Interval: settings.ConnectivityProbeInterval,
			Log:      log,
		})
		go prober.Run(ctx)
	}

	newSession := func(id, src string) *player.Session {
		return player.New(id, src, player.Config{
			Fetcher:  fetcher,
			Loader:   loader,
			Registry: registry,
			NewRuntime: func() player.Runtime {
				return headless.New(headless.Config{Registry: registry, Loader: loader, Log: log})
			},
			NewSink: func() player.MediaSink {
				return headless.NewElement(headless.ElementConfig{Log: log, BlockAutoplay: settings.BlockAutoplay})
			},
			Connectivity:     conn,
			Clock:            clock.Real(),
			Log:              log,
			Metrics:          met,
			MaxBufferLength:  settings.MaxBufferLength,
			MaxBufferCeiling: settings.MaxBufferCeiling,
			FetchConcurrency: settings.FetchConcurrency,
		})
	}

	repo := playback.NewInMemoryRepository()
	svc := playback.NewService(repo, playback.ServiceConfig{
		NewSession:   newSession,
		Resolver:     fetcher,
		Registry:     registry,
		Connectivity: conn,
		IdleTimeout:  settings.SessionIdleTimeout,
		Log:          log,
		Metrics:      met,
	})
	go svc.RunReaper(ctx, reaperInterval)
	h := playback.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(repo.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		if settings.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(settings.RateLimitPerMinute, time.Minute))
		}
		h.Routes(r)
	})

	addr := ":" + settings.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", settings.Port,
		"origin_base_url", settings.OriginBaseURL,
		"redis", tier != nil,
		"log_level", settings.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	stop()
	svc.Shutdown()

	log.Info("server stopped")
}

// probeTargets returns the origin host to probe, if one is configured.
func probeTargets(originBaseURL string) []string {
	if originBaseURL == "" {
		return nil
	}
	u, err := url.Parse(originBaseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host + "/"}
}
