package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType is the type tag of a relay protocol frame.
type MessageType string

const (
	MessageOpen      MessageType = "OPEN"
	MessageIDTaken   MessageType = "ID-TAKEN"
	MessageError     MessageType = "ERROR"
	MessageHeartbeat MessageType = "HEARTBEAT"
	MessageOffer     MessageType = "OFFER"
	MessageAnswer    MessageType = "ANSWER"
	MessageCandidate MessageType = "CANDIDATE"
	MessageLeave     MessageType = "LEAVE"
	MessageExpire    MessageType = "EXPIRE"
	MessageKey       MessageType = "KEY"
	MessageData      MessageType = "DATA"
)

// SignalMessage is one frame exchanged with the relay, addressed by peer code.
type SignalMessage struct {
	Type    MessageType     `json:"type"`
	Src     PeerID          `json:"src,omitempty"`
	Dst     PeerID          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Forwarded reports whether the relay routes this frame between peers rather than
// consuming it itself.
func (m SignalMessage) Forwarded() bool {
	switch m.Type {
	case MessageOffer, MessageAnswer, MessageCandidate, MessageLeave, MessageExpire, MessageKey, MessageData:
		return true
	}
	return false
}

// SessionDescriptionPayload carries an OFFER or ANSWER.
type SessionDescriptionPayload struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	Label        string `json:"label,omitempty"`
	Reliable     bool   `json:"reliable,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	ConnectionID  string  `json:"connectionId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ErrorPayload carries the message of an ERROR frame. Code is the relay's
// machine-readable reason when it sets one.
type ErrorPayload struct {
	Msg  string `json:"msg"`
	Code string `json:"code,omitempty"`
}

// NewSignalMessage marshals payload into a frame. A nil payload produces a frame
// without a body.
func NewSignalMessage(t MessageType, src, dst PeerID, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: t, Src: src, Dst: dst}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// SignalErrorType classifies failures reported by a signaling client.
type SignalErrorType string

const (
	SignalErrDisconnected        SignalErrorType = "disconnected"
	SignalErrNetwork             SignalErrorType = "network"
	SignalErrServer              SignalErrorType = "server-error"
	SignalErrUnavailableID       SignalErrorType = "unavailable-id"
	SignalErrBrowserIncompatible SignalErrorType = "browser-incompatible"
	SignalErrPeerUnavailable     SignalErrorType = "peer-unavailable"
	SignalErrWebRTC              SignalErrorType = "webrtc"
	SignalErrInvalidID           SignalErrorType = "invalid-id"
	SignalErrInvalidKey          SignalErrorType = "invalid-key"
	SignalErrSocket              SignalErrorType = "socket-error"
)

// SignalError is a classified signaling failure. Peer is set for
// peer-unavailable errors.
type SignalError struct {
	Type    SignalErrorType
	Peer    PeerID
	Message string
	Cause   error
}

func (e *SignalError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Peer, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *SignalError) Unwrap() error {
	return e.Cause
}
