package memory

import (
	"context"
	"sync"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
)

// MemoryPeerRegistry is the single-instance registry. Registrations live until
// they are removed.
type MemoryPeerRegistry struct {
	peers map[domain.PeerID]string
	mu    sync.RWMutex
}

func NewMemoryPeerRegistry() ports.PeerRegistry {
	return &MemoryPeerRegistry{
		peers: make(map[domain.PeerID]string),
	}
}

func (r *MemoryPeerRegistry) Register(ctx context.Context, id domain.PeerID, instance string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.peers[id]; exists && owner != instance {
		return false, nil
	}
	r.peers[id] = instance
	return true, nil
}

func (r *MemoryPeerRegistry) Unregister(ctx context.Context, id domain.PeerID, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.peers[id]; exists && owner == instance {
		delete(r.peers, id)
	}
	return nil
}

func (r *MemoryPeerRegistry) Lookup(ctx context.Context, id domain.PeerID) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, exists := r.peers[id]
	return owner, exists, nil
}

func (r *MemoryPeerRegistry) Refresh(ctx context.Context, id domain.PeerID, instance string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if owner, exists := r.peers[id]; !exists || owner != instance {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *MemoryPeerRegistry) Ping(ctx context.Context) error {
	return nil
}
