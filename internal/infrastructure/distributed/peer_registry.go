package distributed

import (
	"context"
	"fmt"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Owner-checked mutations: a relay instance may only touch codes it holds.
var (
	registerScript = redis.NewScript(`
		local owner = redis.call("get", KEYS[1])
		if owner == false or owner == ARGV[1] then
			redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
			return 1
		end
		return 0
	`)
	unregisterScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// SharedPeerRegistry records peer code ownership in Redis so that relay
// instances agree on which codes are taken. Entries expire unless refreshed.
type SharedPeerRegistry struct {
	client   *redis.Client
	prefix   string
	leaseTTL time.Duration
	logger   *zap.SugaredLogger
}

var _ ports.PeerRegistry = (*SharedPeerRegistry)(nil)

// NewSharedPeerRegistry creates a new shared peer registry
func NewSharedPeerRegistry(client *redis.Client, prefix string, leaseTTL time.Duration, logger *zap.SugaredLogger) *SharedPeerRegistry {
	return &SharedPeerRegistry{
		client:   client,
		prefix:   prefix,
		leaseTTL: leaseTTL,
		logger:   logger,
	}
}

func (r *SharedPeerRegistry) Register(ctx context.Context, id domain.PeerID, instance string) (bool, error) {
	n, err := registerScript.Run(ctx, r.client, []string{r.peerKey(id)}, instance, r.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to register peer: %w", err)
	}
	return n == 1, nil
}

func (r *SharedPeerRegistry) Unregister(ctx context.Context, id domain.PeerID, instance string) error {
	if err := unregisterScript.Run(ctx, r.client, []string{r.peerKey(id)}, instance).Err(); err != nil {
		return fmt.Errorf("failed to unregister peer: %w", err)
	}
	return nil
}

func (r *SharedPeerRegistry) Lookup(ctx context.Context, id domain.PeerID) (string, bool, error) {
	owner, err := r.client.Get(ctx, r.peerKey(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get peer: %w", err)
	}
	return owner, true, nil
}

// Refresh extends the lease. It reports ErrPeerNotFound when the lease was
// lost, for example after a Redis failover.
func (r *SharedPeerRegistry) Refresh(ctx context.Context, id domain.PeerID, instance string) error {
	n, err := refreshScript.Run(ctx, r.client, []string{r.peerKey(id)}, instance, r.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh peer: %w", err)
	}
	if n == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *SharedPeerRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *SharedPeerRegistry) peerKey(id domain.PeerID) string {
	return r.prefix + "peer:" + string(id)
}
