package services

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
	"eterlink/pkg/clock"
	"eterlink/pkg/cryptochannel"

	"go.uber.org/zap"
)

type connState int32

const (
	stateNegotiating connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

var errConnectTimeout = errors.New("connect timeout")

// connectionListener is notified of connection lifecycle changes on the
// session loop.
type connectionListener interface {
	connectionOpened(c *Connection)
	connectionClosed(c *Connection, local, wasOpen bool)
	// connectionFailed reports an initiated connection that never opened,
	// either because the connect timeout fired or negotiation could not start.
	connectionFailed(c *Connection, err error)
	connectionPayload(c *Connection, payload json.RawMessage)
}

// connEnv is what a session shares with the connections it owns.
type connEnv struct {
	log            *zap.SugaredLogger
	clock          clock.Clock
	loop           *eventLoop
	metrics        ports.SessionMetrics
	quality        *QualityService
	self           domain.PeerID
	connectTimeout time.Duration
	queueLimit     int
	dropICE        bool
}

// builtinEvent is the shape of payloads with a reserved "event" field.
type builtinEvent struct {
	Event string        `json:"event"`
	Code  domain.PeerID `json:"code,omitempty"`
	TS    int64         `json:"ts,omitempty"`
}

const (
	eventIntroduce = "eter:connect"
	eventPing      = "ping"
	eventPingAck   = "ping-ack"
)

// Connection is the per-peer state machine: negotiating, open, closed. It
// either wraps a data channel transport or runs an encrypted tunnel over the
// signaling relay. All methods except the atomic getters run on the session
// loop.
type Connection struct {
	env       *connEnv
	sig       ports.Signaler
	listener  connectionListener
	peer      domain.PeerID
	initiated bool
	tunnel    bool

	state   atomic.Int32
	tier    atomic.Int32
	lastRTT atomic.Int64

	started   bool
	transport ports.DataTransport

	keys      *cryptochannel.KeyPair
	remoteKey string
	cipher    *cryptochannel.Cipher
	queue     []cryptochannel.Envelope

	connectTimer *clock.Timer
	timerSeq     uint64
}

// newConnection builds a connection in the negotiating state. Tunnel
// connections generate their key pair here; initiated ones arm the connect
// timeout. transport is set for inbound data channels only.
func newConnection(env *connEnv, sig ports.Signaler, listener connectionListener, peer domain.PeerID, initiated, tunnel bool, transport ports.DataTransport) (*Connection, error) {
	c := &Connection{
		env:       env,
		sig:       sig,
		listener:  listener,
		peer:      peer,
		initiated: initiated,
		tunnel:    tunnel,
	}
	c.state.Store(int32(stateNegotiating))
	c.tier.Store(int32(domain.TierTunnel))

	if tunnel {
		keys, err := cryptochannel.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		c.keys = keys
	}

	if transport != nil {
		c.started = true
		c.attach(transport)
	}

	if initiated {
		c.armConnectTimeout()
	}
	return c, nil
}

func (c *Connection) Peer() domain.PeerID { return c.peer }

func (c *Connection) Initiated() bool { return c.initiated }

func (c *Connection) IsTunnel() bool { return c.tunnel }

func (c *Connection) Tier() domain.Tier { return domain.Tier(c.tier.Load()) }

func (c *Connection) IsOpen() bool { return c.currentState() == stateOpen }

func (c *Connection) IsClosed() bool { return c.currentState() == stateClosed }

func (c *Connection) LastRTT() time.Duration { return time.Duration(c.lastRTT.Load()) }

func (c *Connection) currentState() connState { return connState(c.state.Load()) }

func (c *Connection) hasRemoteKey() bool { return c.remoteKey != "" }

// start begins negotiation once the signaling link is open. It is a no-op for
// connections that already started.
func (c *Connection) start() {
	if c.started || c.currentState() != stateNegotiating {
		return
	}
	c.started = true

	if c.tunnel {
		c.sendKey()
		return
	}

	transport, err := c.sig.Connect(c.peer)
	if err != nil {
		c.env.log.Warnw("Data channel negotiation failed to start",
			"peer_id", c.peer,
			"error", err,
		)
		c.fail(err)
		return
	}
	c.attach(transport)
}

func (c *Connection) sendKey() {
	msg, err := domain.NewSignalMessage(domain.MessageKey, c.env.self, c.peer, c.keys.PublicKey())
	if err == nil {
		err = c.sig.Send(msg)
	}
	if err != nil {
		c.env.log.Warnw("Failed to send tunnel key", "peer_id", c.peer, "error", err)
	}
}

func (c *Connection) attach(t ports.DataTransport) {
	c.transport = t
	t.SetHandler(&transportEvents{c: c, t: t})
}

func (c *Connection) armConnectTimeout() {
	c.timerSeq++
	seq := c.timerSeq
	c.connectTimer = c.env.clock.AfterFunc(c.env.connectTimeout, func() {
		c.env.loop.post(func() {
			if c.timerSeq != seq || c.currentState() != stateNegotiating {
				return
			}
			c.env.log.Warnw("Connect timeout", "peer_id", c.peer, "tunnel", c.tunnel)
			c.fail(errConnectTimeout)
		})
	})
}

func (c *Connection) stopConnectTimeout() {
	c.timerSeq++
	c.connectTimer.Stop()
	c.connectTimer = nil
}

func (c *Connection) markOpen(tier domain.Tier) {
	c.tier.Store(int32(tier))
	c.state.Store(int32(stateOpen))
	c.stopConnectTimeout()
	c.env.metrics.ConnectionOpened(tier)
	c.env.log.Infow("Connection open",
		"peer_id", c.peer,
		"tier", tier.String(),
		"initiated", c.initiated,
	)
	c.listener.connectionOpened(c)
}

func (c *Connection) handleTransportOpen() {
	if c.currentState() != stateNegotiating {
		return
	}
	c.markOpen(c.resolveTier())
}

// resolveTier inspects the selected candidate pair once, when the channel opens.
func (c *Connection) resolveTier() domain.Tier {
	candidate, ok := c.transport.RemoteCandidateType()
	if !ok {
		c.env.log.Warnw("No selected candidate pair, reporting lowest tier", "peer_id", c.peer)
		return domain.TierTunnel
	}
	if candidate == domain.CandidateRelay {
		return domain.TierRelay
	}
	return domain.TierDirect
}

func (c *Connection) handleICEState(state domain.ICEState) {
	switch {
	case state == domain.ICEStateDisconnected && c.IsOpen():
		c.close(false)
	case state == domain.ICEStateChecking && c.env.dropICE:
		c.close(false)
	case state == domain.ICEStateFailed:
		c.env.log.Warnw("ICE negotiation failed", "peer_id", c.peer)
		c.close(false)
	}
}

// handleKey completes the tunnel handshake with the remote public key and
// drains everything queued before it.
func (c *Connection) handleKey(remoteKey string) error {
	if !c.tunnel {
		return domain.ErrKeyNotApplicable
	}
	if c.cipher != nil || c.currentState() == stateClosed {
		return nil
	}

	cipher, err := c.keys.Derive(remoteKey)
	if err != nil {
		c.env.log.Warnw("Tunnel key derivation failed", "peer_id", c.peer, "error", err)
		return err
	}
	c.remoteKey = remoteKey
	c.cipher = cipher

	c.markOpen(domain.TierTunnel)

	queued := c.queue
	c.queue = nil
	for _, env := range queued {
		if c.currentState() != stateOpen {
			break
		}
		c.openEnvelope(env)
	}
	return nil
}

// handleData accepts one DATA frame. Frames that arrive before the key is
// derived wait in the queue.
func (c *Connection) handleData(env cryptochannel.Envelope) {
	if !c.tunnel || c.currentState() == stateClosed {
		return
	}
	if c.cipher == nil {
		if len(c.queue) >= c.env.queueLimit {
			c.env.log.Warnw("Tunnel queue full, dropping message", "peer_id", c.peer, "queued", len(c.queue))
			return
		}
		c.queue = append(c.queue, env)
		return
	}
	c.openEnvelope(env)
}

func (c *Connection) openEnvelope(env cryptochannel.Envelope) {
	plaintext, err := c.cipher.Open(env)
	if err != nil {
		c.env.metrics.TunnelDecryptFailed()
		c.env.log.Warnw("Dropping undecryptable tunnel message", "peer_id", c.peer, "error", err)
		return
	}
	c.deliver(plaintext)
}

// deliver answers liveness probes itself and hands everything else to the
// listener unchanged.
func (c *Connection) deliver(data []byte) {
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return
		}
		data = quoted
	}

	var ev builtinEvent
	if err := json.Unmarshal(data, &ev); err == nil {
		switch ev.Event {
		case eventPing:
			if err := c.send(builtinEvent{Event: eventPingAck, TS: ev.TS}); err != nil {
				c.env.log.Debugw("Failed to answer ping", "peer_id", c.peer, "error", err)
			}
			return
		case eventPingAck:
			if ev.TS > 0 {
				rtt := c.env.clock.Now().Sub(time.UnixMilli(ev.TS))
				c.lastRTT.Store(int64(rtt))
				c.env.metrics.RecordRTT(c.peer, rtt)
				c.env.log.Debugw("Measured round trip", "peer_id", c.peer, "rtt", rtt, "grade", c.env.quality.LatencyGrade(rtt))
			}
			return
		}
	}
	c.listener.connectionPayload(c, json.RawMessage(data))
}

func (c *Connection) send(payload any) error {
	switch c.currentState() {
	case stateClosed:
		return domain.ErrConnectionClosed
	case stateNegotiating:
		return domain.ErrNotReady
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if !c.tunnel {
		return c.transport.Send(raw)
	}
	if c.cipher == nil {
		return domain.ErrNotReady
	}
	env, err := c.cipher.Seal(raw)
	if err != nil {
		return err
	}
	msg, err := domain.NewSignalMessage(domain.MessageData, c.env.self, c.peer, env)
	if err != nil {
		return err
	}
	return c.sig.Send(msg)
}

func (c *Connection) ping() error {
	return c.send(builtinEvent{Event: eventPing, TS: c.env.clock.Now().UnixMilli()})
}

// shutdown releases the connection without notifying the listener. It reports
// whether the connection was open.
func (c *Connection) shutdown() (wasOpen, changed bool) {
	prev := c.currentState()
	if prev == stateClosed {
		return false, false
	}
	c.state.Store(int32(stateClosed))
	c.stopConnectTimeout()
	c.queue = nil

	if c.transport != nil {
		c.transport.SetHandler(nil)
		if err := c.transport.Close(); err != nil {
			c.env.log.Debugw("Transport close failed", "peer_id", c.peer, "error", err)
		}
	}
	if prev == stateOpen {
		c.env.metrics.ConnectionClosed(c.Tier())
	}
	return prev == stateOpen, true
}

// close is idempotent. local is true when this side initiated the close.
func (c *Connection) close(local bool) {
	wasOpen, changed := c.shutdown()
	if !changed {
		return
	}
	c.listener.connectionClosed(c, local, wasOpen)
}

func (c *Connection) fail(err error) {
	if _, changed := c.shutdown(); !changed {
		return
	}
	c.listener.connectionFailed(c, err)
}

// transportEvents moves transport callbacks onto the session loop. Callbacks
// from a transport the connection no longer owns are dropped.
type transportEvents struct {
	c *Connection
	t ports.DataTransport
}

func (e *transportEvents) run(fn func()) {
	e.c.env.loop.post(func() {
		if e.c.transport != e.t || e.c.currentState() == stateClosed {
			return
		}
		fn()
	})
}

func (e *transportEvents) OnTransportOpen() { e.run(e.c.handleTransportOpen) }

func (e *transportEvents) OnTransportMessage(data []byte) {
	e.run(func() {
		if e.c.IsOpen() {
			e.c.deliver(data)
		}
	})
}

func (e *transportEvents) OnTransportClose() { e.run(func() { e.c.close(false) }) }

func (e *transportEvents) OnTransportError(err error) {
	e.run(func() {
		e.c.env.log.Warnw("Data channel error", "peer_id", e.c.peer, "error", err)
	})
}

func (e *transportEvents) OnICEStateChange(state domain.ICEState) {
	e.run(func() { e.c.handleICEState(state) })
}
