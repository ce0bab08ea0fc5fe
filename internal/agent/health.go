package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrBackendDead is returned by Run after HealthFailures consecutive failed
// health checks.
var ErrBackendDead = errors.New("agent: backend health check failed")

func (a *Agent) health(ctx context.Context) error {
	h, err := a.backend.HealthCheck(ctx).Unwrap()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		if a.failures > 0 {
			a.logger.Info("backend healthy again", zap.String("identity", h.Identity))
		}
		a.failures = 0
		return nil
	}

	a.failures++
	limit := a.cfg.HealthFailures
	if limit <= 0 {
		limit = DefaultHealthFailures
	}
	a.logger.Warn("health check failed",
		zap.Int("failures", a.failures),
		zap.Int("limit", limit),
		zap.Error(err))
	if a.failures >= limit {
		return fmt.Errorf("%w: %d consecutive failures: %w", ErrBackendDead, a.failures, err)
	}
	return nil
}
