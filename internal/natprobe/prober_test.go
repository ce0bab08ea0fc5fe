package natprobe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"leakwatch/internal/result"
	"leakwatch/internal/telemetry"
)

// fakeSession replays a scripted candidate stream.
type fakeSession struct {
	mu         sync.Mutex
	onCand     func(string)
	onComplete func()

	candidates []string
	complete   bool
	startErr   error

	started   chan struct{}
	startOnce sync.Once
	closes    atomic.Int32
}

func newFakeSession(candidates []string, complete bool) *fakeSession {
	return &fakeSession{candidates: candidates, complete: complete, started: make(chan struct{})}
}

func (s *fakeSession) OnCandidate(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCand = fn
}

func (s *fakeSession) OnGatheringComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

func (s *fakeSession) Start(context.Context) error {
	s.startOnce.Do(func() { close(s.started) })
	if s.startErr != nil {
		return s.startErr
	}
	go func() {
		for _, c := range s.candidates {
			s.emit(c)
		}
		if s.complete {
			s.finish()
		}
	}()
	return nil
}

func (s *fakeSession) emit(c string) {
	s.mu.Lock()
	fn := s.onCand
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *fakeSession) finish() {
	s.mu.Lock()
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

func dialerFor(s *fakeSession) Dialer {
	return DialerFunc(func(context.Context, []string) (Session, error) { return s, nil })
}

type outcomeRecorder struct {
	telemetry.Noop
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ProbeOutcome(o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func srflx(ip string) string {
	return "candidate:842163049 1 udp 1677729535 " + ip + " 54321 typ srflx raddr 0.0.0.0 rport 0 generation 0"
}

func host(ip string) string {
	return "candidate:1 1 udp 2122260223 " + ip + " 54321 typ host generation 0"
}

func TestDiscover_PrivateOnlyThenComplete(t *testing.T) {
	t.Parallel()

	sess := newFakeSession([]string{host("192.168.1.20"), host("10.0.0.4"), host("127.0.0.1"), host("169.254.3.3")}, true)
	rec := &outcomeRecorder{}
	p := New(dialerFor(sess), WithRecorder(rec))

	out := p.Discover(context.Background())
	require.False(t, out.IsOk())
	assert.Equal(t, result.KindNoPublicAddressFound, out.Kind())
	assert.ErrorIs(t, out.Err(), ErrGatheringComplete)
	assert.Equal(t, int32(1), sess.closes.Load())
	assert.Equal(t, []string{"no_public_address_found"}, rec.outcomes)
}

func TestDiscover_FirstRoutableCandidateWins(t *testing.T) {
	t.Parallel()

	sess := newFakeSession([]string{
		host("192.168.1.20"),
		"candidate:2 1 udp 2122260223 5f1c7a3e-1b2c.local 54321 typ host",
		srflx("203.0.113.5"),
		srflx("198.51.100.9"),
	}, true)
	p := New(dialerFor(sess))

	out := p.Discover(context.Background())
	ip, ok := out.Value()
	require.True(t, ok, out.String())
	assert.Equal(t, "203.0.113.5", ip)
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestDiscover_TimeoutIgnoresLateCandidates(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	sess := newFakeSession(nil, false)
	core, logs := observer.New(zap.DebugLevel)
	rec := &outcomeRecorder{}
	p := New(dialerFor(sess), WithClock(mock), WithTimeout(15*time.Second), WithLogger(zap.New(core)), WithRecorder(rec))

	done := make(chan result.Result[string], 1)
	go func() { done <- p.Discover(context.Background()) }()

	<-sess.started
	mock.Add(15 * time.Second)

	var out result.Result[string]
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not settle on timer")
	}
	assert.Equal(t, result.KindTimeout, out.Kind())
	assert.ErrorIs(t, out.Err(), ErrDeadline)

	sess.emit(srflx("8.8.8.8"))
	sess.finish()
	assert.Zero(t, logs.FilterMessage("routable candidate").Len())
	assert.Equal(t, 1, logs.FilterMessage("probe failed").Len())
	rec.mu.Lock()
	assert.Equal(t, []string{"timeout"}, rec.outcomes)
	rec.mu.Unlock()
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestDiscover_NoTimeoutBeforeDeadline(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	sess := newFakeSession(nil, false)
	p := New(dialerFor(sess), WithClock(mock), WithTimeout(10*time.Second))

	done := make(chan result.Result[string], 1)
	go func() { done <- p.Discover(context.Background()) }()

	<-sess.started
	mock.Add(9 * time.Second)
	select {
	case out := <-done:
		t.Fatalf("settled early: %s", out)
	case <-time.After(50 * time.Millisecond):
	}

	sess.emit(srflx("1.1.1.1"))
	out := <-done
	ip, ok := out.Value()
	require.True(t, ok)
	assert.Equal(t, "1.1.1.1", ip)
}

func TestDiscover_ContextCancelSettlesTimeout(t *testing.T) {
	t.Parallel()

	sess := newFakeSession(nil, false)
	p := New(dialerFor(sess), WithClock(clock.NewMock()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result.Result[string], 1)
	go func() { done <- p.Discover(ctx) }()
	<-sess.started
	cancel()

	out := <-done
	assert.Equal(t, result.KindTimeout, out.Kind())
	assert.ErrorIs(t, out.Err(), context.Canceled)
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestDiscover_InitializationFailures(t *testing.T) {
	t.Parallel()

	t.Run("dial", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("ice: no usable transport")
		p := New(DialerFunc(func(context.Context, []string) (Session, error) { return nil, boom }))
		out := p.Discover(context.Background())
		assert.Equal(t, result.KindInitialization, out.Kind())
		assert.ErrorIs(t, out.Err(), boom)
	})

	t.Run("start", func(t *testing.T) {
		t.Parallel()
		sess := newFakeSession(nil, false)
		sess.startErr = errors.New("create offer: closed")
		out := New(dialerFor(sess)).Discover(context.Background())
		assert.Equal(t, result.KindInitialization, out.Kind())
		assert.Equal(t, int32(1), sess.closes.Load())
	})

	t.Run("no dialer", func(t *testing.T) {
		t.Parallel()
		out := New(nil).Discover(context.Background())
		assert.Equal(t, result.KindInitialization, out.Kind())
		assert.ErrorIs(t, out.Err(), ErrNoDialer)
	})

	t.Run("nil prober", func(t *testing.T) {
		t.Parallel()
		var p *Prober
		assert.Equal(t, result.KindInitialization, p.Discover(context.Background()).Kind())
	})
}

func TestDiscover_ConcurrentProbesUseOwnSessions(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	p := New(DialerFunc(func(context.Context, []string) (Session, error) {
		dials.Add(1)
		return newFakeSession([]string{srflx("203.0.113.77")}, true), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := p.Discover(context.Background())
			assert.True(t, out.IsOk(), out.String())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), dials.Load())
}

func TestOptions(t *testing.T) {
	t.Parallel()

	p := New(nil, WithTimeout(0), WithServers(nil))
	assert.Equal(t, DefaultTimeout, p.Timeout())
	assert.Equal(t, DefaultServers, p.servers)

	p = New(nil, WithTimeout(3*time.Second), WithServers([]string{"stun:127.0.0.1:3478"}))
	assert.Equal(t, 3*time.Second, p.Timeout())
	assert.Equal(t, []string{"stun:127.0.0.1:3478"}, p.servers)
}
