// Package connectivity tracks whether the origin is reachable. The state is
// set by the host (POST /connectivity) or by a Prober polling origin hosts.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"hls-playback/internal/clock"
)

// Monitor holds the online/offline signal and fans changes out to subscribers.
type Monitor struct {
	log *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor returns a Monitor in the given initial state.
func NewMonitor(online bool, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		log:    log.With(slog.String("component", "connectivity")),
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state and notifies subscribers when it changes. It reports
// whether the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	m.log.Info("connectivity changed", slog.Bool("online", online))
	for _, ch := range m.subs {
		// Latest value wins for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe returns a channel receiving every state change and a function
// that unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Client   *http.Client
	Targets  []string
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Log      *slog.Logger
}

// Prober periodically probes origin hosts with HEAD requests and feeds the
// result into a Monitor. The origin counts as reachable when any target
// answers, whatever the status.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	targets  []string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

// NewProber returns a Prober for m.
func NewProber(m *Monitor, cfg ProberConfig) *Prober {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Prober{
		monitor:  m,
		client:   cfg.Client,
		targets:  cfg.Targets,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		log:      cfg.Log.With(slog.String("component", "connectivity_prober")),
	}
}

// ProbeOnce probes every target concurrently and updates the monitor. With
// no targets the state is left alone.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	if len(p.targets) == 0 {
		return p.monitor.Online()
	}

	var reached atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, target := range p.targets {
		g.Go(func() error {
			if p.probe(gctx, target) {
				reached.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	online := reached.Load()
	p.monitor.Set(online)
	return online
}

func (p *Prober) probe(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		p.log.Warn("invalid probe target", slog.String("url", target), slog.String("error", err.Error()))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", slog.String("url", target), slog.String("error", err.Error()))
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	for {
		p.ProbeOnce(ctx)
		if err := clock.Sleep(ctx, p.clock, p.interval); err != nil {
			return
		}
	}
}
