package domain

import "time"

// PeerID is the short code a peer registers with the relay service.
type PeerID string

// Tier is the transport tier a connection negotiated. Higher is better.
type Tier int

const (
	TierTunnel Tier = iota + 1 // encrypted tunnel over the signaling link
	TierRelay                  // data channel through a TURN relay
	TierDirect                 // peer-to-peer data channel
)

func (t Tier) String() string {
	switch t {
	case TierTunnel:
		return "tunnel"
	case TierRelay:
		return "relay"
	case TierDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Status is the aggregate readiness of a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// ErrorKind is the stable identifier of a terminal session error.
type ErrorKind string

const (
	ErrorNone                 ErrorKind = "none"
	ErrorIDInUse              ErrorKind = "id-in-use"
	ErrorIncompatible         ErrorKind = "incompatible"
	ErrorPeerNotFound         ErrorKind = "peer-not-found"
	ErrorSignalingUnavailable ErrorKind = "signaling-unavailable"
	ErrorNoCrypto             ErrorKind = "no-crypto"
)

type ConnectionDirection string

const (
	DirectionInbound  ConnectionDirection = "inbound"
	DirectionOutbound ConnectionDirection = "outbound"
)

// CandidateType mirrors the ICE candidate types reported for a selected pair.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidatePrflx CandidateType = "prflx"
	CandidateRelay CandidateType = "relay"
)

// ICEState is the subset of ICE connection states the core reacts to.
type ICEState string

const (
	ICEStateNew          ICEState = "new"
	ICEStateChecking     ICEState = "checking"
	ICEStateConnected    ICEState = "connected"
	ICEStateCompleted    ICEState = "completed"
	ICEStateDisconnected ICEState = "disconnected"
	ICEStateFailed       ICEState = "failed"
	ICEStateClosed       ICEState = "closed"
)

// ICEServer is a STUN or TURN server entry handed to the transport layer.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// ICEConfig is the server list published by the relay, with an optional expiry
// for time-limited TURN credentials.
type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
	ExpiresOn  time.Time   `json:"expiresOn,omitempty"`
}

// Expired reports whether time-limited credentials have lapsed.
func (c ICEConfig) Expired(now time.Time) bool {
	return !c.ExpiresOn.IsZero() && now.After(c.ExpiresOn)
}
