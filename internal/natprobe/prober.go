// Package natprobe discovers the host's public address by harvesting
// connectivity candidates from a NAT-traversal session.
//
// A probe settles exactly once. The first of these wins: a globally routable
// candidate, the end of candidate gathering, the deadline, or cancellation of
// the caller's context. Later events are ignored and the session is closed
// exactly once on every path.
package natprobe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"leakwatch/internal/addrutil"
	"leakwatch/internal/model"
	"leakwatch/internal/result"
	"leakwatch/internal/telemetry"
)

const DefaultTimeout = 15 * time.Second

// DefaultServers are public STUN servers used when none are configured.
var DefaultServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

var (
	ErrNoDialer          = errors.New("natprobe: no session dialer")
	ErrNoServers         = errors.New("natprobe: no STUN servers configured")
	ErrGatheringComplete = errors.New("natprobe: gathering completed without a routable candidate")
	ErrDeadline          = errors.New("natprobe: no routable candidate before deadline")
)

// Session is one transient negotiation used only to make the network stack
// emit candidates. Handlers must be registered before Start.
type Session interface {
	OnCandidate(func(candidate string))
	OnGatheringComplete(func())
	// Start commits a local offer, which begins candidate emission.
	Start(ctx context.Context) error
	Close() error
}

// Dialer creates sessions configured with the given servers.
type Dialer interface {
	Dial(ctx context.Context, servers []string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, servers []string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, servers []string) (Session, error) {
	return f(ctx, servers)
}

// Prober runs probes. A Prober holds no per-probe state and may run
// concurrent probes, each with its own session.
type Prober struct {
	dialer   Dialer
	servers  []string
	timeout  time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	recorder telemetry.Recorder
}

type Option func(*Prober)

func WithServers(servers []string) Option {
	return func(p *Prober) {
		if len(servers) > 0 {
			p.servers = append([]string(nil), servers...)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(p *Prober) { p.recorder = telemetry.OrNoop(r) }
}

func New(dialer Dialer, opts ...Option) *Prober {
	p := &Prober{
		dialer:   dialer,
		servers:  append([]string(nil), DefaultServers...),
		timeout:  DefaultTimeout,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		recorder: telemetry.Noop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Timeout returns the probe deadline.
func (p *Prober) Timeout() time.Duration { return p.timeout }

// Discover returns the first globally routable IPv4 address the session
// reports.
func (p *Prober) Discover(ctx context.Context) result.Result[string] {
	if p == nil {
		return result.Fail[string](result.KindInitialization, ErrNoDialer)
	}
	out := p.discover(ctx)
	if out.IsOk() {
		p.recorder.ProbeOutcome("ok")
	} else {
		p.recorder.ProbeOutcome(out.Kind().String())
	}
	return out
}

func (p *Prober) discover(ctx context.Context) result.Result[string] {
	if p.dialer == nil {
		return result.Fail[string](result.KindInitialization, ErrNoDialer)
	}
	if len(p.servers) == 0 {
		return result.Fail[string](result.KindInitialization, ErrNoServers)
	}

	sess, err := p.dialer.Dial(ctx, p.servers)
	if err != nil {
		return result.FromError[string](result.Wrap(result.KindInitialization, "create session", err))
	}

	g := newGate(sess)
	defer g.close()

	sess.OnCandidate(func(candidate string) {
		if g.isSettled() {
			return
		}
		ip, ok := addrutil.ExtractIPv4(candidate)
		if !ok {
			p.logger.Debug("candidate without IPv4 literal", zap.String("candidate", candidate))
			return
		}
		if class := addrutil.Classify(ip); class != addrutil.ClassPublic {
			p.logger.Debug("skipping candidate", zap.String("ip", ip), zap.Stringer("class", class))
			return
		}
		if g.settle(result.Ok(ip)) {
			p.logger.Debug("routable candidate", zap.String("ip", model.MaskAddress(ip)))
		}
	})
	sess.OnGatheringComplete(func() {
		g.settle(result.FromError[string](result.Wrap(result.KindNoPublicAddressFound, "", ErrGatheringComplete)))
	})

	timer := p.clock.Timer(p.timeout)
	defer timer.Stop()

	if err := sess.Start(ctx); err != nil {
		g.settle(result.FromError[string](result.Wrap(result.KindInitialization, "start session", err)))
	}

	select {
	case <-g.done:
	case <-timer.C:
		g.settle(result.FromError[string](result.Wrap(result.KindTimeout, "after "+p.timeout.String(), ErrDeadline)))
	case <-ctx.Done():
		g.settle(result.Fail[string](result.KindTimeout, ctx.Err()))
	}

	out := g.outcome()
	if !out.IsOk() {
		p.logger.Debug("probe failed", zap.Stringer("kind", out.Kind()), zap.Error(out.Err()))
	}
	return out
}

// gate is the single settlement point of a probe.
type gate struct {
	mu      sync.Mutex
	settled bool
	res     result.Result[string]
	done    chan struct{}

	sess      Session
	closeOnce sync.Once
}

func newGate(sess Session) *gate {
	return &gate{sess: sess, done: make(chan struct{})}
}

// settle records r if nothing has settled yet and reports whether it did.
func (g *gate) settle(r result.Result[string]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settled {
		return false
	}
	g.settled = true
	g.res = r
	close(g.done)
	return true
}

func (g *gate) isSettled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled
}

func (g *gate) outcome() result.Result[string] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.res
}

func (g *gate) close() {
	g.closeOnce.Do(func() { _ = g.sess.Close() })
}
