// Package geo resolves an address to a LocationRecord through an ordered
// list of HTTP geolocation providers. Providers are tried one at a time in
// priority order and the first valid answer wins.
package geo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"leakwatch/internal/model"
	"leakwatch/internal/result"
	"leakwatch/internal/telemetry"
)

const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 10 * time.Minute
)

// FirstSuccess calls try for each source in order and returns the first
// success. Failures are reported to onFail and combined into the returned
// error when every source fails. It stops early when ctx is done.
func FirstSuccess[S, T any](ctx context.Context, sources []S, try func(context.Context, S) (T, error), onFail func(S, error)) (T, error) {
	var (
		zero T
		errs error
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return zero, multierr.Append(errs, err)
		}
		v, err := try(ctx, src)
		if err == nil {
			return v, nil
		}
		if onFail != nil {
			onFail(src, err)
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = fmt.Errorf("no sources")
	}
	return zero, errs
}

type source struct {
	Provider
	adapter Adapter
	limiter *rate.Limiter
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	sources  []*source
	client   *http.Client
	cache    *expirable.LRU[string, model.LocationRecord]
	clock    clock.Clock
	logger   *zap.Logger
	recorder telemetry.Recorder

	cacheSize int
	cacheTTL  time.Duration
}

type Option func(*Aggregator)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.client = c
		}
	}
}

// WithCache sets the size and TTL of the result cache. A size of zero or
// less disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(a *Aggregator) {
		a.cacheSize = size
		a.cacheTTL = ttl
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(a *Aggregator) { a.recorder = telemetry.OrNoop(r) }
}

// New validates providers and builds an Aggregator. An empty list is
// allowed; every lookup then degrades to the unknown record.
func New(providers []Provider, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		client:    NewHTTPClient(),
		clock:     clock.New(),
		logger:    zap.NewNop(),
		recorder:  telemetry.Noop{},
		cacheSize: DefaultCacheSize,
		cacheTTL:  DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(a)
	}

	for i, p := range providers {
		adapter, ok := Adapters[p.Format]
		if !ok {
			return nil, fmt.Errorf("%w: provider %d (%s): %q", ErrUnknownFormat, i, p.Name, p.Format)
		}
		if p.Endpoint == "" {
			return nil, fmt.Errorf("geo: provider %d (%s): empty endpoint", i, p.Name)
		}
		if p.Name == "" {
			p.Name = p.Format
		}
		if p.Timeout <= 0 {
			p.Timeout = DefaultProviderTimeout
		}
		s := &source{Provider: p, adapter: adapter}
		if p.RatePerMinute > 0 {
			s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.RatePerMinute)), 1)
		}
		a.sources = append(a.sources, s)
	}

	if a.cacheSize > 0 {
		a.cache = expirable.NewLRU[string, model.LocationRecord](a.cacheSize, nil, a.cacheTTL)
	}
	return a, nil
}

// Lookup returns the first provider's answer, or a ProviderExhausted error
// when none answered.
func (a *Aggregator) Lookup(ctx context.Context, address string) (model.LocationRecord, error) {
	if a.cache != nil && address != "" {
		if r, ok := a.cache.Get(address); ok {
			return r.WithObservedAt(a.clock.Now()), nil
		}
	}

	rec, err := FirstSuccess(ctx, a.sources, func(ctx context.Context, s *source) (model.LocationRecord, error) {
		return a.query(ctx, s, address)
	}, func(s *source, err error) {
		a.logger.Info("geolocation provider failed", zap.String("provider", s.Name), zap.Error(err))
	})
	if err != nil {
		return model.LocationRecord{}, result.Wrap(result.KindProviderExhausted, fmt.Sprintf("%d providers", len(a.sources)), err)
	}

	if a.cache != nil && address != "" {
		a.cache.Add(address, rec)
	}
	return rec, nil
}

// Resolve never fails: when every provider fails it returns the unknown
// record for address.
func (a *Aggregator) Resolve(ctx context.Context, address string) result.Result[model.LocationRecord] {
	rec, err := a.Lookup(ctx, address)
	if err != nil {
		a.logger.Warn("geolocation degraded to unknown record",
			zap.String("ip", model.MaskAddress(address)), zap.Error(err))
		return result.Ok(model.UnknownRecord(address, a.clock.Now()))
	}
	return result.Ok(rec)
}

func (a *Aggregator) query(ctx context.Context, s *source, address string) (model.LocationRecord, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		a.recorder.ProviderAttempt(s.Name, "rate_limited")
		return model.LocationRecord{}, fmt.Errorf("%s: %w", s.Name, ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	doc, err := fetchDocument(ctx, a.client, s.URL(address))
	if err == nil {
		var rec model.LocationRecord
		rec, err = s.adapter(doc)
		if err == nil {
			a.recorder.ProviderAttempt(s.Name, "ok")
			if rec.Address == "" {
				rec.Address = address
			}
			return rec.WithObservedAt(a.clock.Now()), nil
		}
	}
	a.recorder.ProviderAttempt(s.Name, "error")
	return model.LocationRecord{}, fmt.Errorf("%s: %w", s.Name, err)
}

// Providers returns the configured provider names in priority order.
func (a *Aggregator) Providers() []string {
	names := make([]string, len(a.sources))
	for i, s := range a.sources {
		names[i] = s.Name
	}
	return names
}
