// Package visit runs one leak check end to end: probe for the public
// address, optionally resolve it locally, and submit it to the remote.
//
// Runs move through Idle, Probing, Geolocating (client-side resolution only),
// Submitting and Settled. Starting a run supersedes the previous one: its
// context is cancelled and nothing it produces afterwards is published.
package visit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"leakwatch/internal/addrutil"
	"leakwatch/internal/model"
	"leakwatch/internal/result"
	"leakwatch/internal/telemetry"
)

type State int

const (
	StateIdle State = iota
	StateProbing
	StateGeolocating
	StateSubmitting
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateGeolocating:
		return "geolocating"
	case StateSubmitting:
		return "submitting"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolution selects where the address is geolocated.
type Resolution string

const (
	ResolutionServer Resolution = "server"
	ResolutionClient Resolution = "client"
)

// NoLeakPolicy decides how a probe that finds no public address settles.
type NoLeakPolicy string

const (
	// PolicyError settles the probe's failure as an error.
	PolicyError NoLeakPolicy = "error"
	// PolicySecure settles NoPublicAddressFound and Timeout as a successful
	// check with no leak, without contacting the remote.
	PolicySecure NoLeakPolicy = "secure"
)

// Source says where the settled address came from.
type Source string

const (
	SourceProbe  Source = "probe"
	SourceManual Source = "manual"
)

type Prober interface {
	Discover(ctx context.Context) result.Result[string]
}

type Submitter interface {
	SubmitVisit(ctx context.Context, address string) result.Result[model.LocationRecord]
	SubmitRecord(ctx context.Context, rec model.LocationRecord) result.Result[model.LocationRecord]
}

type Resolver interface {
	Resolve(ctx context.Context, address string) result.Result[model.LocationRecord]
}

// Outcome is the terminal value of one run.
type Outcome struct {
	RunID      string
	Generation uint64
	Source     Source
	Address    string
	Record     model.LocationRecord
	// LeakDetected is true when the probe exposed a public address.
	LeakDetected bool
	Err          *result.Error
	// Superseded marks a run that lost to a newer one. Its outcome was not
	// published.
	Superseded bool
	StartedAt  time.Time
	SettledAt  time.Time
}

// OK reports whether the run settled successfully and is current.
func (o Outcome) OK() bool { return o.Err == nil && !o.Superseded }

func (o Outcome) label() string {
	switch {
	case o.Err != nil:
		return o.Err.Kind.String()
	case !o.LeakDetected && o.Source == SourceProbe:
		return "no_leak"
	default:
		return "success"
	}
}

// Transition is reported to the OnTransition hook for the current run only.
type Transition struct {
	RunID      string
	Generation uint64
	From, To   State
}

// Status is a snapshot of the orchestrator.
type Status struct {
	State      State
	Generation uint64
	Last       *Outcome
}

type Orchestrator struct {
	probe      Prober
	sync       Submitter
	resolver   Resolver
	resolution Resolution
	policy     NoLeakPolicy
	clock      clock.Clock
	logger     *zap.Logger
	recorder   telemetry.Recorder
	hook       func(Transition)

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	state  State
	last   *Outcome
}

type Option func(*Orchestrator)

// WithResolver enables client-side resolution with r.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
		if r != nil {
			o.resolution = ResolutionClient
		}
	}
}

func WithNoLeakPolicy(p NoLeakPolicy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.policy = p
		}
	}
}

// OnTransition installs a hook called after every published transition. It
// must not block.
func OnTransition(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.hook = fn }
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = telemetry.OrNoop(r) }
}

func New(probe Prober, submitter Submitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		probe:      probe,
		sync:       submitter,
		resolution: ResolutionServer,
		policy:     PolicyError,
		clock:      clock.New(),
		logger:     zap.NewNop(),
		recorder:   telemetry.Noop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolution reports the configured resolution mode.
func (o *Orchestrator) Resolution() Resolution { return o.resolution }

// Status returns the current state and the last published outcome.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state, Generation: o.gen}
	if o.last != nil {
		last := *o.last
		st.Last = &last
	}
	return st
}

// Run starts a fresh check, superseding any run in flight.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	r := o.begin(ctx)
	defer r.end()

	if o.probe == nil {
		return o.settle(r, &result.Error{Kind: result.KindInitialization, Message: "no prober"})
	}
	if !o.transition(r, StateProbing) {
		return o.superseded(r)
	}
	found := o.probe.Discover(r.ctx)
	address, ok := found.Value()
	if !ok {
		return o.settleProbeFailure(r, found.Err())
	}
	r.out.LeakDetected = true
	r.out.Address = address
	r.log.Info("public address exposed", zap.String("ip", model.MaskAddress(address)))
	return o.submit(r, address)
}

// RunWithAddress checks a user-supplied address, skipping the probe. The
// address must be a globally routable IPv4 literal.
func (o *Orchestrator) RunWithAddress(ctx context.Context, address string) Outcome {
	r := o.begin(ctx)
	defer r.end()

	r.out.Source = SourceManual
	valid, err := addrutil.ValidateManualAddress(address)
	if err != nil {
		return o.settle(r, result.Wrap(result.KindNoPublicAddressFound, "manual address", err))
	}
	r.out.Address = valid
	return o.submit(r, valid)
}

func (o *Orchestrator) submit(r *run, address string) Outcome {
	if o.sync == nil {
		return o.settle(r, &result.Error{Kind: result.KindNotInitialized, Message: "no sync client"})
	}

	var sub result.Result[model.LocationRecord]
	if o.resolution == ResolutionClient && o.resolver != nil {
		if !o.transition(r, StateGeolocating) {
			return o.superseded(r)
		}
		rec, _ := o.resolver.Resolve(r.ctx, address).Value()
		if rec.Address == "" {
			rec = model.UnknownRecord(address, o.clock.Now())
		}
		if !o.transition(r, StateSubmitting) {
			return o.superseded(r)
		}
		sub = o.sync.SubmitRecord(r.ctx, rec)
	} else {
		if !o.transition(r, StateSubmitting) {
			return o.superseded(r)
		}
		sub = o.sync.SubmitVisit(r.ctx, address)
	}

	rec, ok := sub.Value()
	if !ok {
		return o.settle(r, sub.Err())
	}
	r.out.Record = rec
	return o.settle(r, nil)
}

func (o *Orchestrator) settleProbeFailure(r *run, e *result.Error) Outcome {
	if o.policy == PolicySecure {
		switch e.Kind {
		case result.KindNoPublicAddressFound, result.KindTimeout:
			r.log.Info("no public address exposed", zap.Stringer("reason", e.Kind))
			return o.settle(r, nil)
		}
	}
	return o.settle(r, e)
}

// run is the per-run state owned by one Run call.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
	out    Outcome
	log    *zap.Logger
}

func (r *run) end() { r.cancel() }

func (o *Orchestrator) begin(parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.gen++
	gen := o.gen
	o.cancel = cancel
	o.state = StateIdle
	o.mu.Unlock()

	return &run{
		ctx:    ctx,
		cancel: cancel,
		gen:    gen,
		out:    Outcome{RunID: id, Generation: gen, Source: SourceProbe, StartedAt: o.clock.Now()},
		log:    o.logger.With(zap.String("run_id", id), zap.Uint64("generation", gen)),
	}
}

// transition moves the current run to state and reports whether r is still
// current.
func (o *Orchestrator) transition(r *run, to State) bool {
	o.mu.Lock()
	if r.gen != o.gen {
		o.mu.Unlock()
		return false
	}
	from := o.state
	o.state = to
	hook := o.hook
	o.mu.Unlock()

	r.log.Debug("transition", zap.Stringer("from", from), zap.Stringer("to", to))
	if hook != nil {
		hook(Transition{RunID: r.out.RunID, Generation: r.gen, From: from, To: to})
	}
	return true
}

func (o *Orchestrator) superseded(r *run) Outcome {
	r.out.Superseded = true
	r.out.SettledAt = o.clock.Now()
	r.log.Debug("run superseded")
	return r.out
}

func (o *Orchestrator) settle(r *run, e *result.Error) Outcome {
	r.out.Err = e
	r.out.SettledAt = o.clock.Now()

	o.mu.Lock()
	if r.gen != o.gen {
		o.mu.Unlock()
		return o.superseded(r)
	}
	from := o.state
	o.state = StateSettled
	o.cancel = nil
	out := r.out
	o.last = &out
	hook := o.hook
	o.mu.Unlock()

	o.recorder.VisitSettled(r.out.label())
	if e != nil {
		r.log.Warn("check settled with error", zap.Stringer("kind", e.Kind), zap.Error(e))
	} else {
		r.log.Info("check settled", zap.String("outcome", r.out.label()))
	}
	if hook != nil {
		hook(Transition{RunID: r.out.RunID, Generation: r.gen, From: from, To: StateSettled})
	}
	return r.out
}
