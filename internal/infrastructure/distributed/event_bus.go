package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayBus forwards frames between relay instances over Redis pub/sub. Each
// instance listens on its own channel.
type RelayBus struct {
	client     *redis.Client
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.RelayBus = (*RelayBus)(nil)

// NewRelayBus creates a new relay bus
func NewRelayBus(client *redis.Client, instanceID, prefix string, logger *zap.SugaredLogger) *RelayBus {
	return &RelayBus{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		logger:     logger,
	}
}

// Publish sends msg to the instance holding msg.Dst.
func (b *RelayBus) Publish(ctx context.Context, instance string, msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(instance), data).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}

	b.logger.Debugw("published frame",
		"type", msg.Type,
		"src", msg.Src,
		"dst", msg.Dst,
		"instance", instance,
	)
	return nil
}

// Subscribe delivers frames addressed to this instance until ctx is done.
func (b *RelayBus) Subscribe(ctx context.Context, handler func(msg domain.SignalMessage)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, b.channel(b.instanceID))
	b.pubsub = pubsub
	b.mu.Unlock()

	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var msg domain.SignalMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Warnw("failed to unmarshal frame",
					"error", err,
					"payload", raw.Payload,
				)
				continue
			}
			handler(msg)
		}
	}
}

// Close closes the bus subscription
func (b *RelayBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

func (b *RelayBus) channel(instance string) string {
	return b.prefix + "relay:" + instance
}
