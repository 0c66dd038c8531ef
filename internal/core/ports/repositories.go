package ports

import (
	"context"

	"eterlink/internal/core/domain"
)

// PeerRegistry records which relay instance holds each registered peer code.
type PeerRegistry interface {
	// Register claims id for instance. It returns false when another live
	// connection already holds the code.
	Register(ctx context.Context, id domain.PeerID, instance string) (bool, error)
	Unregister(ctx context.Context, id domain.PeerID, instance string) error
	Lookup(ctx context.Context, id domain.PeerID) (instance string, found bool, err error)
	// Refresh extends the registration lease of a connected peer.
	Refresh(ctx context.Context, id domain.PeerID, instance string) error
	Ping(ctx context.Context) error
}

// RelayBus carries frames between relay instances for peers connected elsewhere.
type RelayBus interface {
	Publish(ctx context.Context, instance string, msg domain.SignalMessage) error
	Subscribe(ctx context.Context, handler func(msg domain.SignalMessage)) error
	Close() error
}
