package ports

import (
	"eterlink/internal/core/domain"
)

// TransportHandler receives DataTransport callbacks from arbitrary goroutines.
type TransportHandler interface {
	OnTransportOpen()
	OnTransportMessage(data []byte)
	OnTransportClose()
	OnTransportError(err error)
	OnICEStateChange(state domain.ICEState)
}

// DataTransport is a negotiated (or negotiating) data channel to one peer.
type DataTransport interface {
	Peer() domain.PeerID
	// SetHandler installs h. If the transport opened before a handler was set,
	// h.OnTransportOpen is delivered right away. A nil handler detaches.
	SetHandler(h TransportHandler)
	Send(data []byte) error
	// RemoteCandidateType reports the remote side of the selected ICE candidate
	// pair. ok is false when no pair has been selected.
	RemoteCandidateType() (t domain.CandidateType, ok bool)
	Close() error
}
