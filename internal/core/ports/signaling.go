package ports

import (
	"eterlink/internal/core/domain"
)

// SignalerConfig holds the relay parameters a Signaler is created with. A
// session recreates its Signaler from the same config on reset.
type SignalerConfig struct {
	ID         domain.PeerID
	Host       string
	Port       int
	Path       string
	Secure     bool
	Key        string
	ICEServers []domain.ICEServer
	ForceRelay bool
}

// SignalingHandler receives Signaler callbacks. Implementations must not block.
type SignalingHandler interface {
	OnOpen(id domain.PeerID)
	// OnMessage delivers relay frames the Signaler does not consume itself
	// (HEARTBEAT, KEY, DATA, LEAVE).
	OnMessage(msg domain.SignalMessage)
	// OnConnection delivers a data channel transport opened by a remote peer.
	OnConnection(t DataTransport)
	OnError(err *domain.SignalError)
	OnDisconnected()
	OnClose()
}

// Signaler is the relay client a session consumes: identifier registration,
// raw frame delivery, data channel negotiation and the ICE server list.
type Signaler interface {
	ID() domain.PeerID
	// Open starts registering with the relay and returns without waiting.
	Open() error
	Send(msg domain.SignalMessage) error
	// Connect starts negotiating an outbound data channel to peer.
	Connect(peer domain.PeerID) (DataTransport, error)
	ICEServers() []domain.ICEServer
	// Reconnect re-registers the same identifier after a disconnect.
	Reconnect() error
	Destroy()
}

// SignalerFactory builds a Signaler reporting to h.
type SignalerFactory func(cfg SignalerConfig, h SignalingHandler) (Signaler, error)
