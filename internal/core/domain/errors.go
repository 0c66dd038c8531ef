package domain

import "errors"

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrNotReady          = errors.New("connection not ready")
	ErrSignalingClosed   = errors.New("signaling link not open")
	ErrSessionDestroyed  = errors.New("session destroyed")
	ErrInvalidPayload    = errors.New("invalid encrypted payload")
	ErrKeyNotApplicable  = errors.New("public key is not needed on a data channel connection")
	ErrQueueFull         = errors.New("pre-handshake queue full")
	ErrIDTaken           = errors.New("peer id already taken")
	ErrInvalidKey        = errors.New("invalid relay key")
	ErrIncompatible      = errors.New("transport not supported")
)
