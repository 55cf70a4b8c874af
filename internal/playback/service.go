package playback

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"hls-playback/internal/clock"
	"hls-playback/internal/connectivity"
	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/player"
	"hls-playback/internal/playlist"
)

// DefaultIdleTimeout is how long a session without transport activity is
// kept before the reaper tears it down.
const DefaultIdleTimeout = 30 * time.Minute

// SessionFactory builds an unloaded session for a validated source URL.
type SessionFactory func(id, url string) *player.Session

// SourceResolver validates a raw source URL. *playlist.Fetcher satisfies it.
type SourceResolver interface {
	ResolveSource(raw string) (*url.URL, error)
}

// ServiceConfig holds the Service's collaborators. Connectivity, Metrics and
// Clock may be nil.
type ServiceConfig struct {
	NewSession   SessionFactory
	Resolver     SourceResolver
	Registry     *playlist.Registry
	Connectivity *connectivity.Monitor
	IdleTimeout  time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
	Metrics      *metrics.Metrics
	// NewID overrides session ID generation; random UUIDs by default.
	NewID func() string
}

// Service owns the live sessions and maps transport controls onto them.
type Service struct {
	repo    Repository
	cfg     ServiceConfig
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService returns a Service that tracks sessions in repo.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		repo:    repo,
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Log.With(slog.String("component", "playback")),
		metrics: cfg.Metrics,
	}
}

// CreateSession validates rawURL, creates a session for it and starts
// loading in the background.
func (s *Service) CreateSession(rawURL string) (SessionID, error) {
	src, err := s.cfg.Resolver.ResolveSource(rawURL)
	if err != nil {
		return "", err
	}
	id := SessionID(s.cfg.NewID())
	sess := s.cfg.NewSession(string(id), src.String())
	if err := s.repo.Add(&SessionRecord{ID: id, URL: src.String(), Session: sess, CreatedAt: s.clock.Now()}); err != nil {
		sess.Teardown()
		return "", err
	}
	if err := sess.Load(); err != nil {
		_ = s.Close(id)
		return "", err
	}
	s.updateGauge()
	s.log.Info("session created", slog.String("session_id", string(id)), slog.String("url", src.String()))
	return id, nil
}

// Snapshot returns the observable state of a session.
func (s *Service) Snapshot(id SessionID) (SessionView, error) {
	sess, err := s.session(id)
	if err != nil {
		return SessionView{}, err
	}
	return newSessionView(sess.Snapshot()), nil
}

// List returns a view of every session, oldest first.
func (s *Service) List() []SessionView {
	recs := s.repo.List()
	out := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newSessionView(rec.Session.Snapshot()))
	}
	return out
}

// Play starts or resumes playback. It blocks while the sink retries a
// rejected play, until ctx is done.
func (s *Service) Play(ctx context.Context, id SessionID) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.Play(ctx)
}

func (s *Service) Pause(id SessionID) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.Pause()
}

func (s *Service) Seek(id SessionID, seconds float64) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	return sess.Seek(seconds)
}

// Close tears a session down and forgets it.
func (s *Service) Close(id SessionID) error {
	rec, ok := s.repo.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	rec.Session.Teardown()
	s.updateGauge()
	s.log.Info("session closed", slog.String("session_id", string(id)))
	return nil
}

// Manifest returns the synthetic manifest registered under handle.
func (s *Service) Manifest(handle string) (string, bool) {
	if s.cfg.Registry == nil {
		return "", false
	}
	return s.cfg.Registry.Open(handle)
}

// SetOnline overrides the host connectivity signal. It reports whether the
// state changed.
func (s *Service) SetOnline(online bool) bool {
	if s.cfg.Connectivity == nil {
		return false
	}
	return s.cfg.Connectivity.Set(online)
}

// Online reports the current connectivity state.
func (s *Service) Online() bool {
	if s.cfg.Connectivity == nil {
		return true
	}
	return s.cfg.Connectivity.Online()
}

// ReapIdle closes sessions that are not playing and have seen no transport
// control for the idle timeout. It returns how many were closed.
func (s *Service) ReapIdle() int {
	now := s.clock.Now()
	n := 0
	for _, rec := range s.repo.List() {
		switch rec.Session.State() {
		case player.Playing, player.Stalled, player.Recovering:
			continue
		}
		if now.Sub(rec.Session.LastActivity()) < s.cfg.IdleTimeout {
			continue
		}
		if err := s.Close(rec.ID); err == nil {
			n++
		}
	}
	if n > 0 {
		s.log.Info("idle sessions reaped", slog.Int("count", n))
	}
	return n
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	for {
		if err := clock.Sleep(ctx, s.clock, interval); err != nil {
			return
		}
		s.ReapIdle()
	}
}

// Shutdown tears down every session.
func (s *Service) Shutdown() {
	recs := s.repo.List()
	for _, rec := range recs {
		// A concurrent DELETE may have removed it already.
		_ = s.Close(rec.ID)
	}
	s.log.Info("sessions shut down", slog.Int("count", len(recs)))
}

// ActiveSessions returns the number of live sessions.
func (s *Service) ActiveSessions() int {
	return s.repo.ActiveSessionCount()
}

func (s *Service) session(id SessionID) (*player.Session, error) {
	rec, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.Session, nil
}

func (s *Service) updateGauge() {
	s.metrics.SetActiveSessions(s.repo.ActiveSessionCount())
}
