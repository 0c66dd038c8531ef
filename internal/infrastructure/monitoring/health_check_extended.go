package monitoring

import (
	"context"
	"fmt"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
)

// AddRegistryCheck reports the peer registry (and Redis behind it) as a
// readiness dependency.
func (h *HealthChecker) AddRegistryCheck(registry ports.PeerRegistry, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		if err := registry.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSessionCheck fails once the session has given up.
func (h *HealthChecker) AddSessionCheck(status func() domain.Status) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		if s := status(); s == domain.StatusFailed {
			return false, fmt.Errorf("session %s", s)
		}
		return true, nil
	}, 0)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
