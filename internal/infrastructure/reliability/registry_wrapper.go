package reliability

import (
	"context"
	"errors"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
	"eterlink/pkg/circuitbreaker"
	"eterlink/pkg/retry"

	"go.uber.org/zap"
)

// RegistryWrapper wraps a PeerRegistry with retry logic and a circuit breaker.
type RegistryWrapper struct {
	registry       ports.PeerRegistry
	logger         *zap.SugaredLogger
	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.PeerRegistry = (*RegistryWrapper)(nil)

// NewRegistryWrapper creates a new wrapper with retry and circuit breaker
func NewRegistryWrapper(
	registry ports.PeerRegistry,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RegistryWrapper {
	// An open breaker fails fast; retrying it only burns the backoff budget.
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen, context.Canceled)

	w := &RegistryWrapper{
		registry:       registry,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("registry circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func call[T any](ctx context.Context, w *RegistryWrapper, fn func() (T, error)) (T, error) {
	return retry.RetryWithResult(ctx, w.retryConfig, func() (T, error) {
		return circuitbreaker.Call(ctx, w.circuitBreaker, fn)
	})
}

func (w *RegistryWrapper) Register(ctx context.Context, id domain.PeerID, instance string) (bool, error) {
	return call(ctx, w, func() (bool, error) {
		return w.registry.Register(ctx, id, instance)
	})
}

func (w *RegistryWrapper) Unregister(ctx context.Context, id domain.PeerID, instance string) error {
	_, err := call(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.registry.Unregister(ctx, id, instance)
	})
	return err
}

type lookupResult struct {
	instance string
	found    bool
}

func (w *RegistryWrapper) Lookup(ctx context.Context, id domain.PeerID) (string, bool, error) {
	res, err := call(ctx, w, func() (lookupResult, error) {
		instance, found, err := w.registry.Lookup(ctx, id)
		return lookupResult{instance, found}, err
	})
	return res.instance, res.found, err
}

// Refresh does not retry a lost lease, nor count it against the breaker.
func (w *RegistryWrapper) Refresh(ctx context.Context, id domain.PeerID, instance string) error {
	var lost bool
	_, err := call(ctx, w, func() (struct{}, error) {
		err := w.registry.Refresh(ctx, id, instance)
		if errors.Is(err, domain.ErrPeerNotFound) {
			lost = true
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err == nil && lost {
		return domain.ErrPeerNotFound
	}
	return err
}

// Ping bypasses retries so health checks report the current state.
func (w *RegistryWrapper) Ping(ctx context.Context) error {
	return w.circuitBreaker.Execute(ctx, func() error {
		return w.registry.Ping(ctx)
	})
}

// BreakerState reports the registry circuit breaker state.
func (w *RegistryWrapper) BreakerState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}
