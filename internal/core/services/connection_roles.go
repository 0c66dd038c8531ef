package services

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"eterlink/internal/core/domain"
)

// ConnectionIO is the application's handle on one peer connection. It is safe
// to use from any goroutine, including event handlers.
type ConnectionIO interface {
	Peer() domain.PeerID
	Initiated() bool
	Tier() domain.Tier
	IsOpen() bool
	Quality() int
	LastRTT() time.Duration
	Send(payload any) error
	// Ping sends a liveness probe; the round trip is reported by LastRTT.
	Ping() error
	Close()
}

// roleOwner is the session side of a role wrapper.
type roleOwner interface {
	roleOpened(r connectionRole)
	roleClosed(r connectionRole, local, wasOpen bool)
	roleFailed(r connectionRole, err error)
	rolePayload(r connectionRole, payload json.RawMessage)
	// roleReplaced reports that a role swapped in a fresh connection.
	roleReplaced(r connectionRole, c *Connection)
}

type connectionRole interface {
	ConnectionIO
	connection() *Connection
}

// roleConn holds the connection currently behind a role and forwards its
// lifecycle to the owner.
type roleConn struct {
	loop    *eventLoop
	owner   roleOwner
	quality *QualityService
	self    connectionRole
	current atomic.Pointer[Connection]
}

func (r *roleConn) connection() *Connection { return r.current.Load() }

func (r *roleConn) Peer() domain.PeerID { return r.connection().Peer() }

func (r *roleConn) Tier() domain.Tier { return r.connection().Tier() }

func (r *roleConn) IsOpen() bool { return r.connection().IsOpen() }

func (r *roleConn) Quality() int {
	c := r.connection()
	return r.quality.ConnectionQuality(c.Tier(), c.IsOpen())
}

func (r *roleConn) LastRTT() time.Duration { return r.connection().LastRTT() }

func (r *roleConn) Send(payload any) error {
	var err error
	if callErr := r.loop.call(func() { err = r.connection().send(payload) }); callErr != nil {
		return callErr
	}
	return err
}

func (r *roleConn) Ping() error {
	var err error
	if callErr := r.loop.call(func() { err = r.connection().ping() }); callErr != nil {
		return callErr
	}
	return err
}

func (r *roleConn) Close() {
	_ = r.loop.call(func() { r.connection().close(true) })
}

func (r *roleConn) closeLocal() { r.connection().close(true) }

func (r *roleConn) isCurrent(c *Connection) bool { return r.connection() == c }

func (r *roleConn) connectionOpened(c *Connection) {
	if r.isCurrent(c) {
		r.owner.roleOpened(r.self)
	}
}

func (r *roleConn) connectionClosed(c *Connection, local, wasOpen bool) {
	if r.isCurrent(c) {
		r.owner.roleClosed(r.self, local, wasOpen)
	}
}

func (r *roleConn) connectionPayload(c *Connection, payload json.RawMessage) {
	if r.isCurrent(c) {
		r.owner.rolePayload(r.self, payload)
	}
}

// Outgoing is a connection this side dialed. A direct attempt that fails to
// open falls back once to a tunnel over the signaling link.
type Outgoing struct {
	roleConn
	env      *connEnv
	fellBack bool
}

func newOutgoing(env *connEnv, owner roleOwner, quality *QualityService) *Outgoing {
	o := &Outgoing{env: env}
	o.roleConn = roleConn{loop: env.loop, owner: owner, quality: quality}
	o.self = o
	return o
}

func (o *Outgoing) Initiated() bool { return true }

func (o *Outgoing) connectionFailed(c *Connection, err error) {
	if !o.isCurrent(c) {
		return
	}
	if c.IsTunnel() || o.fellBack {
		o.owner.roleFailed(o, err)
		return
	}

	o.fellBack = true
	next, nerr := newConnection(o.env, c.sig, o, c.Peer(), true, true, nil)
	if nerr != nil {
		o.owner.roleFailed(o, nerr)
		return
	}
	o.env.log.Infow("Falling back to tunnel", "peer_id", c.Peer(), "reason", err)
	o.current.Store(next)
	o.owner.roleReplaced(o, next)
}

// Incoming is a connection a remote peer opened to us. It never retries.
type Incoming struct {
	roleConn
}

func newIncoming(env *connEnv, owner roleOwner, quality *QualityService) *Incoming {
	in := &Incoming{}
	in.roleConn = roleConn{loop: env.loop, owner: owner, quality: quality}
	in.self = in
	return in
}

func (in *Incoming) Initiated() bool { return false }

func (in *Incoming) connectionFailed(c *Connection, err error) {
	if in.isCurrent(c) {
		in.owner.roleFailed(in, err)
	}
}
