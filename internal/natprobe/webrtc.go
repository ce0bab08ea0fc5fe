package natprobe

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// WebRTCDialer creates sessions backed by a pion PeerConnection.
type WebRTCDialer struct {
	Logger *zap.Logger
}

func (d WebRTCDialer) Dial(ctx context.Context, servers []string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webrtcSession{pc: pc, logger: logger}, nil
}

type webrtcSession struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu         sync.Mutex
	onCand     func(string)
	onComplete func()
}

func (s *webrtcSession) OnCandidate(fn func(string)) {
	s.mu.Lock()
	s.onCand = fn
	s.mu.Unlock()
}

func (s *webrtcSession) OnGatheringComplete(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *webrtcSession) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// pion delivers a nil candidate after the last one, on the same handler
	// goroutine, so end-of-gathering is ordered after every candidate.
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.mu.Lock()
		onCand, onComplete := s.onCand, s.onComplete
		s.mu.Unlock()
		if c == nil {
			if onComplete != nil {
				onComplete()
			}
			return
		}
		if onCand != nil {
			onCand(c.ToJSON().Candidate)
		}
	})
	s.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		s.logger.Debug("ice gathering state", zap.String("state", state.String()))
	})

	if _, err := s.pc.CreateDataChannel("leakwatch-probe", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}
