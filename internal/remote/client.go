// Package remote is the Sync Client: every call to the visit service goes
// through it and comes back as a result.Result. Failures are classified at
// this boundary, panics included, and only idempotent reads are retried.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leakwatch/internal/model"
	"leakwatch/internal/result"
	"leakwatch/internal/telemetry"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
)

var ErrPanic = errors.New("remote: backend panicked")

// Backend is the wire-level channel to the visit service. *api.Client
// implements it.
type Backend interface {
	RecordVisit(ctx context.Context, rec model.LocationRecord) (bool, error)
	RecordVisitFromClient(ctx context.Context, address string) (model.LocationRecord, error)
	RecordVisitByIP(ctx context.Context, address string) (bool, error)
	LatestVisits(ctx context.Context, count uint64) ([]model.LocationRecord, error)
	VisitsPaged(ctx context.Context, page, pageSize uint64) (model.VisitPage, error)
	Stats(ctx context.Context) (model.AggregateStats, error)
	CountryStats(ctx context.Context) ([]model.CountryStat, error)
	MemoryStats(ctx context.Context) (model.MemoryStats, error)
	StaticMap(ctx context.Context, req model.MapRequest) (string, error)
	Whoami(ctx context.Context) (string, error)
	IPInfo(ctx context.Context, address string) (model.LocationRecord, error)
	ClearAllData(ctx context.Context) (bool, error)
}

// Client is safe for concurrent use. Each call has its own retry budget.
type Client struct {
	backend     Backend
	local       bool
	maxAttempts int
	backoff     time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	recorder    telemetry.Recorder
}

type Option func(*Client)

// WithMaxRetries sets the total number of attempts for retryable reads.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the fixed wait between read attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithLocalTrust marks the backend as a local replica, which changes the
// remedy attached to certificate errors.
func WithLocalTrust(local bool) Option {
	return func(c *Client) { c.local = local }
}

func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		if cl != nil {
			c.clock = cl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(c *Client) { c.recorder = telemetry.OrNoop(r) }
}

// NewClient fails when backend is nil so a missing channel is a
// construction error rather than a runtime one.
func NewClient(backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, notInitialized("new_client")
	}
	c := &Client{
		backend:     backend,
		maxAttempts: DefaultMaxRetries,
		backoff:     DefaultBackoff,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		recorder:    telemetry.Noop{},
	}
	if l, ok := backend.(interface{ Local() bool }); ok {
		c.local = l.Local()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitVisit records address for server-side resolution and returns the
// stored record. It is attempted exactly once.
func (c *Client) SubmitVisit(ctx context.Context, address string) result.Result[model.LocationRecord] {
	return call(ctx, c, "record_visit_from_client", false, func(ctx context.Context, b Backend) (model.LocationRecord, error) {
		return b.RecordVisitFromClient(ctx, address)
	})
}

// SubmitRecord stores a client-resolved record. It is attempted exactly once.
func (c *Client) SubmitRecord(ctx context.Context, rec model.LocationRecord) result.Result[model.LocationRecord] {
	return call(ctx, c, "record_visit", false, func(ctx context.Context, b Backend) (model.LocationRecord, error) {
		stored, err := b.RecordVisit(ctx, rec)
		if err != nil {
			return model.LocationRecord{}, err
		}
		if !stored {
			return model.LocationRecord{}, result.Newf(result.KindRemoteRejected, "record_visit: remote did not store the record")
		}
		return rec, nil
	})
}

// SubmitVisitByIP records address without returning the record. It is
// attempted exactly once.
func (c *Client) SubmitVisitByIP(ctx context.Context, address string) result.Result[bool] {
	return call(ctx, c, "record_visit_by_ip", false, func(ctx context.Context, b Backend) (bool, error) {
		return b.RecordVisitByIP(ctx, address)
	})
}

func (c *Client) FetchStats(ctx context.Context) result.Result[model.AggregateStats] {
	return call(ctx, c, "get_stats", true, func(ctx context.Context, b Backend) (model.AggregateStats, error) {
		return b.Stats(ctx)
	})
}

// FetchRecentVisits returns up to count visits, newest first. Negative
// counts are treated as zero.
func (c *Client) FetchRecentVisits(ctx context.Context, count int) result.Result[[]model.LocationRecord] {
	n := uint64(max(count, 0))
	return call(ctx, c, "get_latest_visits", true, func(ctx context.Context, b Backend) ([]model.LocationRecord, error) {
		return b.LatestVisits(ctx, n)
	})
}

func (c *Client) FetchVisitsPage(ctx context.Context, page, pageSize int) result.Result[model.VisitPage] {
	p, s := uint64(max(page, 0)), uint64(max(pageSize, 0))
	return call(ctx, c, "get_visits_paged", true, func(ctx context.Context, b Backend) (model.VisitPage, error) {
		return b.VisitsPaged(ctx, p, s)
	})
}

func (c *Client) FetchCountryStats(ctx context.Context) result.Result[[]model.CountryStat] {
	return call(ctx, c, "get_country_stats", true, func(ctx context.Context, b Backend) ([]model.CountryStat, error) {
		return b.CountryStats(ctx)
	})
}

func (c *Client) FetchMemoryStats(ctx context.Context) result.Result[model.MemoryStats] {
	return call(ctx, c, "get_memory_stats", true, func(ctx context.Context, b Backend) (model.MemoryStats, error) {
		return b.MemoryStats(ctx)
	})
}

func (c *Client) Whoami(ctx context.Context) result.Result[string] {
	return call(ctx, c, "whoami", true, func(ctx context.Context, b Backend) (string, error) {
		return b.Whoami(ctx)
	})
}

// FetchIPInfo asks the remote to resolve address without recording a visit.
func (c *Client) FetchIPInfo(ctx context.Context, address string) result.Result[model.LocationRecord] {
	return call(ctx, c, "fetch_ip_info", true, func(ctx context.Context, b Backend) (model.LocationRecord, error) {
		return b.IPInfo(ctx, address)
	})
}

// ClearAllData wipes the remote visit log and its counters. It is attempted
// exactly once.
func (c *Client) ClearAllData(ctx context.Context) result.Result[bool] {
	return call(ctx, c, "clear_all_data", false, func(ctx context.Context, b Backend) (bool, error) {
		return b.ClearAllData(ctx)
	})
}

// FetchRenderedMap asks the remote to render a map. Rendering is not
// assumed to be free of side effects, so it is attempted exactly once.
func (c *Client) FetchRenderedMap(ctx context.Context, req model.MapRequest) result.Result[string] {
	return call(ctx, c, "get_static_map", false, func(ctx context.Context, b Backend) (string, error) {
		return b.StaticMap(ctx, req)
	})
}

// HealthCheck reads memory stats and the remote identity concurrently.
func (c *Client) HealthCheck(ctx context.Context) result.Result[model.Health] {
	var h model.Health
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mem, err := c.FetchMemoryStats(gctx).Unwrap()
		h.Memory = mem
		return err
	})
	g.Go(func() error {
		id, err := c.Whoami(gctx).Unwrap()
		h.Identity = id
		return err
	})
	if err := g.Wait(); err != nil {
		if e, ok := result.As(err); ok {
			return result.FromError[model.Health](e)
		}
		return result.Fail[model.Health](result.KindTransientNetwork, err)
	}
	return result.Ok(h)
}

func call[T any](ctx context.Context, c *Client, op string, idempotent bool, fn func(context.Context, Backend) (T, error)) result.Result[T] {
	if c == nil || c.backend == nil {
		return result.FromError[T](notInitialized(op))
	}

	attempts := 1
	if idempotent {
		attempts = c.maxAttempts
	}

	for attempt := 1; ; attempt++ {
		v, err := invoke(ctx, c.backend, fn)
		if err == nil {
			c.recorder.RPCAttempt(op, "ok")
			return result.Ok(v)
		}

		e := c.classify(op, err)
		c.recorder.RPCAttempt(op, e.Kind.String())
		c.logger.Warn("remote call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Stringer("kind", e.Kind),
			zap.Error(err))

		if !e.Kind.Retryable() || attempt >= attempts {
			if e.Remedy != "" {
				c.logger.Error("remote call needs operator action", zap.String("op", op), zap.String("remedy", e.Remedy))
			}
			return result.FromError[T](e)
		}

		if err := c.wait(ctx); err != nil {
			return result.FromError[T](result.Wrap(result.KindTransientNetwork, fmt.Sprintf("%s: retry aborted after %d attempts", op, attempt), errors.Join(e, err)))
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.backoff <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func invoke[T any](ctx context.Context, b Backend, fn func(context.Context, Backend) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, b)
}
