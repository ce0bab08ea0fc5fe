package stunutil

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"leakwatch/internal/natprobe"
)

// BindingDialer creates probe sessions that send one STUN binding request
// per server instead of negotiating a peer connection. Every mapped address
// becomes a server-reflexive candidate; gathering completes once all servers
// have answered or failed.
type BindingDialer struct {
	// PerServerTimeout bounds each binding request. Zero means no bound
	// beyond the probe's own deadline.
	PerServerTimeout time.Duration
	Logger           *zap.Logger

	// query replaces probeServer in tests.
	query func(ctx context.Context, server string, timeout time.Duration) (string, error)
}

func (d BindingDialer) Dial(ctx context.Context, servers []string) (natprobe.Session, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	for _, s := range servers {
		if _, err := normalizeURI(s); err != nil {
			return nil, err
		}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	query := d.query
	if query == nil {
		query = probeServer
	}
	return &bindingSession{
		servers: append([]string(nil), servers...),
		timeout: d.PerServerTimeout,
		logger:  logger,
		query:   query,
	}, nil
}

type bindingSession struct {
	servers []string
	timeout time.Duration
	logger  *zap.Logger
	query   func(ctx context.Context, server string, timeout time.Duration) (string, error)

	mu         sync.Mutex
	onCand     func(string)
	onComplete func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func (s *bindingSession) OnCandidate(fn func(string)) {
	s.mu.Lock()
	s.onCand = fn
	s.mu.Unlock()
}

func (s *bindingSession) OnGatheringComplete(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *bindingSession) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.gather(ctx)
	}()
	return nil
}

func (s *bindingSession) gather(ctx context.Context) {
	var (
		mu     sync.Mutex
		mapped []string
		wg     sync.WaitGroup
	)
	for i, server := range s.servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			addr, err := s.query(ctx, server, s.timeout)
			if err != nil {
				s.logger.Debug("binding request failed", zap.String("server", server), zap.Error(err))
				return
			}
			mu.Lock()
			mapped = append(mapped, addr)
			mu.Unlock()
			s.emit(CandidateLine(i, addr))
		}(i, server)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	s.logger.Debug("binding gathering complete",
		zap.Int("mapped", len(mapped)),
		zap.String("nat_type", Classify(mapped)))

	s.mu.Lock()
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *bindingSession) emit(line string) {
	s.mu.Lock()
	fn := s.onCand
	s.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

// Close cancels outstanding requests and waits for them to return.
func (s *bindingSession) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
