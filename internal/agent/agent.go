// Package agent runs the long-lived watch loop: periodic leak checks, stats
// refreshes and backend health checks.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leakwatch/internal/metrics"
	"leakwatch/internal/model"
	"leakwatch/internal/result"
	"leakwatch/internal/store"
	"leakwatch/internal/visit"
)

const (
	DefaultRecheckInterval = 5 * time.Minute
	DefaultRefreshInterval = time.Minute
	DefaultHealthInterval  = 30 * time.Second
	DefaultHealthFailures  = 3
	DefaultRecentCount     = 10
)

var ErrNoChecker = errors.New("agent: checker required")

// Checker runs one leak check.
type Checker interface {
	Run(ctx context.Context) visit.Outcome
}

// Backend is the read side of the remote visit log.
type Backend interface {
	FetchStats(ctx context.Context) result.Result[model.AggregateStats]
	FetchRecentVisits(ctx context.Context, count int) result.Result[[]model.LocationRecord]
	HealthCheck(ctx context.Context) result.Result[model.Health]
}

// Config controls the loop. A zero interval disables that ticker.
type Config struct {
	RecheckInterval time.Duration
	RefreshInterval time.Duration
	HealthInterval  time.Duration
	HealthFailures  int
	RecentCount     int
	// ExportPath, when set, receives every successful check as a CSV row.
	ExportPath string
	// StatePath, when set, keeps the last observed address across restarts.
	StatePath string
}

// Snapshot is the latest refreshed view of the remote visit log.
type Snapshot struct {
	Stats       model.AggregateStats
	Recent      []model.LocationRecord
	RefreshedAt time.Time
}

type Agent struct {
	cfg     Config
	checker Checker
	backend Backend
	clock   clock.Clock
	logger  *zap.Logger
	onCheck func(visit.Outcome)

	mu          sync.Mutex
	lastAddress string
	snapshot    Snapshot
	failures    int
}

type Option func(*Agent)

func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// OnCheck is called after every settled, current check.
func OnCheck(fn func(visit.Outcome)) Option {
	return func(a *Agent) { a.onCheck = fn }
}

// New constructs an agent. A nil backend disables refresh and health checks.
func New(cfg Config, checker Checker, backend Backend, opts ...Option) *Agent {
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = DefaultRecentCount
	}
	a := &Agent{
		cfg:     cfg,
		checker: checker,
		backend: backend,
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run checks once immediately and then loops until ctx is done, a check
// fails in a way only an operator can fix, or the backend stops answering
// health checks.
func (a *Agent) Run(ctx context.Context) error {
	if a == nil || a.checker == nil {
		return ErrNoChecker
	}
	a.restore()

	if err := a.check(ctx); err != nil {
		return err
	}
	if a.backend != nil {
		a.refresh(ctx)
	}

	recheckC, stopRecheck := a.ticker(a.cfg.RecheckInterval)
	defer stopRecheck()
	var refreshC, healthC <-chan time.Time
	if a.backend != nil {
		var stop func()
		refreshC, stop = a.ticker(a.cfg.RefreshInterval)
		defer stop()
		healthC, stop = a.ticker(a.cfg.HealthInterval)
		defer stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recheckC:
			if err := a.check(ctx); err != nil {
				return err
			}
		case <-refreshC:
			a.refresh(ctx)
		case <-healthC:
			if err := a.health(ctx); err != nil {
				return err
			}
		}
	}
}

// Snapshot returns the latest refreshed view.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snapshot
	s.Recent = append([]model.LocationRecord(nil), s.Recent...)
	return s
}

func (a *Agent) ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := a.clock.Ticker(d)
	return t.C, t.Stop
}

func (a *Agent) check(ctx context.Context) error {
	out := a.checker.Run(ctx)
	if out.Superseded {
		return nil
	}
	if out.Err != nil {
		a.logger.Warn("leak check failed",
			zap.String("run_id", out.RunID),
			zap.String("kind", out.Err.Kind.String()),
			zap.String("remedy", out.Err.Remedy),
			zap.Error(out.Err))
		if stopsWatch(out.Err.Kind) {
			return out.Err
		}
	} else {
		a.observe(out)
	}
	if a.onCheck != nil {
		a.onCheck(out)
	}
	return nil
}

// stopsWatch reports kinds that repeat on every check until someone fixes
// the trust setup or the client wiring.
func stopsWatch(k result.Kind) bool {
	return k == result.KindCertificate || k == result.KindNotInitialized
}

func (a *Agent) observe(out visit.Outcome) {
	if !out.LeakDetected {
		a.logger.Info("no public address exposed", zap.String("run_id", out.RunID))
		return
	}

	a.mu.Lock()
	prev := a.lastAddress
	a.lastAddress = out.Address
	a.mu.Unlock()

	fields := []zap.Field{
		zap.String("run_id", out.RunID),
		zap.String("ip", model.MaskAddress(out.Address)),
		zap.String("country", out.Record.Country),
		zap.String("city", out.Record.City),
	}
	switch {
	case prev == "":
		a.logger.Info("public address observed", fields...)
	case prev != out.Address:
		a.logger.Warn("public address changed", append(fields, zap.String("previous_ip", model.MaskAddress(prev)))...)
	default:
		a.logger.Debug("public address unchanged", fields...)
	}

	a.persist(out)
	if a.cfg.ExportPath != "" {
		if err := metrics.AppendCSV(a.cfg.ExportPath, []model.LocationRecord{out.Record}); err != nil {
			a.logger.Warn("append visit export failed", zap.String("path", a.cfg.ExportPath), zap.Error(err))
		}
	}
}

func (a *Agent) refresh(ctx context.Context) {
	var (
		stats  model.AggregateStats
		recent []model.LocationRecord
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		stats, err = a.backend.FetchStats(ctx).Unwrap()
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = a.backend.FetchRecentVisits(ctx, a.cfg.RecentCount).Unwrap()
		return err
	})
	if err := g.Wait(); err != nil {
		a.logger.Warn("stats refresh failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.snapshot = Snapshot{Stats: stats, Recent: recent, RefreshedAt: a.clock.Now()}
	a.mu.Unlock()
	a.logger.Debug("stats refreshed",
		zap.Uint64("total_visits", stats.TotalVisits),
		zap.Uint64("unique_countries", stats.UniqueCountries))
}

func (a *Agent) restore() {
	if a.cfg.StatePath == "" {
		return
	}
	st, err := store.LoadState(a.cfg.StatePath)
	if err != nil {
		a.logger.Warn("load watch state failed", zap.String("path", a.cfg.StatePath), zap.Error(err))
		return
	}
	a.mu.Lock()
	a.lastAddress = st.LastAddress
	a.mu.Unlock()
}

func (a *Agent) persist(out visit.Outcome) {
	if a.cfg.StatePath == "" {
		return
	}
	st := &store.State{LastAddress: out.Address, LastCountry: out.Record.Country, LastRunID: out.RunID}
	if err := store.SaveState(a.cfg.StatePath, st, a.clock.Now()); err != nil {
		a.logger.Warn("save watch state failed", zap.String("path", a.cfg.StatePath), zap.Error(err))
	}
}
