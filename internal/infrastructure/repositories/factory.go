package repositories

import (
	"context"

	"eterlink/internal/core/ports"
	"eterlink/internal/infrastructure/distributed"
	"eterlink/internal/infrastructure/reliability"
	"eterlink/internal/infrastructure/repositories/memory"
	redisrepo "eterlink/internal/infrastructure/repositories/redis"
	"eterlink/pkg/circuitbreaker"
	"eterlink/pkg/config"
	"eterlink/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RegistryFactory creates the relay's peer registry and cross-instance bus,
// falling back to a single-instance memory registry without Redis.
type RegistryFactory struct {
	cfg         *config.Config
	instanceID  string
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRegistryFactory creates a new registry factory
func NewRegistryFactory(cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RegistryFactory {
	factory := &RegistryFactory{
		cfg:        cfg,
		instanceID: instanceID,
		useRedis:   cfg.Redis.Enabled,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis peer registry")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory peer registry")
	}

	return factory
}

// CreatePeerRegistry returns the Redis registry behind retry and a circuit
// breaker, or the memory registry.
func (f *RegistryFactory) CreatePeerRegistry() ports.PeerRegistry {
	if f.useRedis && f.redisClient != nil {
		shared := distributed.NewSharedPeerRegistry(f.redisClient, f.cfg.Redis.KeyPrefix, f.cfg.Redis.LeaseTTL, f.logger)
		return reliability.NewRegistryWrapper(shared, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), f.logger)
	}
	return memory.NewMemoryPeerRegistry()
}

// CreateRelayBus returns nil when the relay runs as a single instance.
func (f *RegistryFactory) CreateRelayBus() ports.RelayBus {
	if f.useRedis && f.redisClient != nil {
		return distributed.NewRelayBus(f.redisClient, f.instanceID, f.cfg.Redis.KeyPrefix, f.logger)
	}
	return nil
}

// Close closes Redis connection if used
func (f *RegistryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RegistryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
