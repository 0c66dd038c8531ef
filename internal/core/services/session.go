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
	"eterlink/pkg/retry"

	"go.uber.org/zap"
)

const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultMaxIDRetries     = 20
	DefaultMaxPeerRetries   = 30
	DefaultTunnelQueueLimit = 256
)

// SessionOptions are the transport switches an application may set.
type SessionOptions struct {
	// ForceWebsocket carries every connection over the encrypted tunnel.
	ForceWebsocket bool
	// ForceTURN restricts ICE to relay candidates.
	ForceTURN bool
	// DropICE closes a data channel as soon as ICE reports checking.
	DropICE bool
}

// SessionConfig describes the local endpoint and its relay service.
type SessionConfig struct {
	ID         domain.PeerID
	Host       string
	Port       int
	Path       string
	Secure     bool
	Key        string
	ICEServers []domain.ICEServer
	ForceRelay bool
	// ServerID makes the session a client of that peer. Without it the session
	// is a hub.
	ServerID domain.PeerID
	Options  SessionOptions

	HeartbeatTimeout time.Duration
	ConnectTimeout   time.Duration
	Backoff          retry.Backoff
	MaxIDRetries     int
	MaxPeerRetries   int
	// MaxSignalRetries bounds signaling reconnects. Zero retries forever.
	MaxSignalRetries int
	TunnelQueueLimit int
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = retry.DefaultBackoff()
	}
	if c.MaxIDRetries <= 0 {
		c.MaxIDRetries = DefaultMaxIDRetries
	}
	if c.MaxPeerRetries <= 0 {
		c.MaxPeerRetries = DefaultMaxPeerRetries
	}
	if c.TunnelQueueLimit <= 0 {
		c.TunnelQueueLimit = DefaultTunnelQueueLimit
	}
}

func (c SessionConfig) signalerConfig() ports.SignalerConfig {
	return ports.SignalerConfig{
		ID:         c.ID,
		Host:       c.Host,
		Port:       c.Port,
		Path:       c.Path,
		Secure:     c.Secure,
		Key:        c.Key,
		ICEServers: c.ICEServers,
		ForceRelay: c.ForceRelay || c.Options.ForceTURN,
	}
}

type SessionOption func(*Session)

func WithLogger(log *zap.SugaredLogger) SessionOption {
	return func(s *Session) { s.log = log }
}

func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithVisibility reports whether the process is in the foreground. A missed
// heartbeat only resets the session while it is.
func WithVisibility(visible func() bool) SessionOption {
	return func(s *Session) { s.visible = visible }
}

func WithSignalerFactory(factory ports.SignalerFactory) SessionOption {
	return func(s *Session) { s.factory = factory }
}

func WithMetrics(m ports.SessionMetrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session owns the signaling link and every peer connection of one local
// endpoint. All of its state lives on a private event loop; public methods
// hand work to that loop and events are delivered on a separate goroutine.
type Session struct {
	cfg     SessionConfig
	log     *zap.SugaredLogger
	clock   clock.Clock
	visible func() bool
	factory ports.SignalerFactory
	metrics ports.SessionMetrics
	quality *QualityService

	loop   *eventLoop
	events *eventDispatcher
	env    *connEnv

	statusValue  atomic.Value
	qualityValue atomic.Int32

	// Owned by the loop.
	signaler     ports.Signaler
	generation   uint64
	signalOpen   bool
	conns        map[domain.PeerID]connectionRole
	status       domain.Status
	currentQual  int
	failed       bool
	lastError    domain.ErrorKind
	idRetry      *retry.Counter
	signalRetry  *retry.Counter
	peerRetry    *retry.Counter
	heartbeat    *clock.Timer
	heartbeatSeq uint64
	linkRetry    retryTimer
	peerRedial   retryTimer
	deferred     map[domain.PeerID]bool
	destroyed    bool
}

// NewSession creates the signaling link and starts connecting. It never waits
// on the network; progress is reported through events.
func NewSession(cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session requires a peer id")
	}
	cfg.applyDefaults()

	s := &Session{
		cfg:       cfg,
		clock:     clock.Real(),
		visible:   func() bool { return true },
		metrics:   noopMetrics{},
		quality:   NewQualityService(),
		conns:     make(map[domain.PeerID]connectionRole),
		deferred:  make(map[domain.PeerID]bool),
		status:    domain.StatusConnecting,
		lastError: domain.ErrorNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		return nil, errors.New("session requires a signaler factory")
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.With("session_id", string(cfg.ID))

	s.idRetry = retry.NewCounter(cfg.MaxIDRetries)
	s.signalRetry = retry.NewCounter(cfg.MaxSignalRetries)
	s.peerRetry = retry.NewCounter(cfg.MaxPeerRetries)

	s.statusValue.Store(domain.StatusConnecting)
	s.loop = newEventLoop()
	s.events = newEventDispatcher(s.log)
	s.env = &connEnv{
		log:            s.log,
		clock:          s.clock,
		loop:           s.loop,
		metrics:        s.metrics,
		quality:        s.quality,
		self:           cfg.ID,
		connectTimeout: cfg.ConnectTimeout,
		queueLimit:     cfg.TunnelQueueLimit,
		dropICE:        cfg.Options.DropICE,
	}

	if err := s.loop.call(s.createSignaler); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() domain.PeerID { return s.cfg.ID }

// ServerID returns the designated server peer, empty for a hub.
func (s *Session) ServerID() domain.PeerID { return s.cfg.ServerID }

func (s *Session) Status() domain.Status { return s.statusValue.Load().(domain.Status) }

func (s *Session) Quality() int { return int(s.qualityValue.Load()) }

func (s *Session) Subscribe(kind EventKind, handler func(Event)) Subscription {
	return s.events.subscribe(kind, handler)
}

func (s *Session) Unsubscribe(sub Subscription) {
	s.events.unsubscribe(sub)
}

// Dial opens an outbound connection to peer, replacing any existing one. With
// useRelayLink the connection is an encrypted tunnel over the signaling link.
func (s *Session) Dial(peer domain.PeerID, useRelayLink bool) {
	_ = s.loop.call(func() { s.dial(peer, useRelayLink) })
}

// SendToAll delivers payload to every open connection not listed in exclude.
// It does nothing unless the session is ready.
func (s *Session) SendToAll(payload any, exclude ...domain.PeerID) {
	_ = s.loop.call(func() {
		if s.status != domain.StatusReady {
			return
		}
		skip := make(map[domain.PeerID]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
		for peer, r := range s.conns {
			if _, ok := skip[peer]; ok {
				continue
			}
			c := r.connection()
			if !c.IsOpen() {
				continue
			}
			if err := c.send(payload); err != nil {
				s.log.Debugw("Send failed", "peer_id", peer, "error", err)
			}
		}
	})
}

// Connection returns the handle for peer, if one exists.
func (s *Session) Connection(peer domain.PeerID) (ConnectionIO, bool) {
	var (
		r  connectionRole
		ok bool
	)
	_ = s.loop.call(func() { r, ok = s.conns[peer] })
	if !ok {
		return nil, false
	}
	return r, true
}

// Connections returns handles for every current connection.
func (s *Session) Connections() []ConnectionIO {
	var out []ConnectionIO
	_ = s.loop.call(func() {
		for _, r := range s.conns {
			out = append(out, r)
		}
	})
	return out
}

// Introduce asks the connection to "to" to dial code.
func (s *Session) Introduce(to, code domain.PeerID) error {
	var err error
	callErr := s.loop.call(func() {
		r, ok := s.conns[to]
		if !ok {
			err = domain.ErrPeerNotFound
			return
		}
		err = r.connection().send(builtinEvent{Event: eventIntroduce, Code: code})
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Ping probes the connection to peer. The round trip is reported by the
// connection's LastRTT once the ping-ack arrives.
func (s *Session) Ping(peer domain.PeerID) error {
	var err error
	callErr := s.loop.call(func() {
		r, ok := s.conns[peer]
		if !ok {
			err = domain.ErrPeerNotFound
			return
		}
		err = r.connection().ping()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Reset tears down the signaling link and all connections and starts over with
// the same parameters. Retry counters are left alone.
func (s *Session) Reset() {
	_ = s.loop.call(s.reset)
}

// Destroy closes everything. It is safe to call more than once.
func (s *Session) Destroy() {
	_ = s.loop.call(func() {
		if s.destroyed {
			return
		}
		s.destroyed = true
		s.stopHeartbeat()
		s.linkRetry.stop()
		s.peerRedial.stop()
		s.closeAll()
		s.destroySignaler()
		s.update()
		s.log.Infow("Session destroyed")
	})
	s.loop.stop()
	s.events.close()
}

func (s *Session) emit(ev Event) {
	s.events.publish(ev)
}

func (s *Session) createSignaler() {
	s.generation++
	h := &signalHandler{s: s, generation: s.generation}
	sig, err := s.factory(s.cfg.signalerConfig(), h)
	if err != nil {
		s.log.Warnw("Failed to create signaling client", "error", err)
		s.retrySignaling(false)
		return
	}
	s.signaler = sig
	if err := sig.Open(); err != nil {
		s.log.Warnw("Failed to open signaling link", "error", err)
		s.retrySignaling(true)
	}
}

func (s *Session) destroySignaler() {
	s.generation++
	s.signalOpen = false
	if s.signaler != nil {
		s.signaler.Destroy()
		s.signaler = nil
	}
}

func (s *Session) reset() {
	if s.destroyed {
		return
	}
	s.log.Infow("Resetting session")
	s.stopHeartbeat()
	s.peerRedial.stop()
	s.closeAll()
	s.destroySignaler()
	s.failed = false
	s.update()
	s.emit(RetryEvent{})
	s.createSignaler()
}

func (s *Session) closeAll() {
	clear(s.deferred)
	roles := make([]connectionRole, 0, len(s.conns))
	for peer, r := range s.conns {
		roles = append(roles, r)
		delete(s.conns, peer)
	}
	for _, r := range roles {
		r.connection().close(true)
	}
}

func (s *Session) dial(peer domain.PeerID, useRelayLink bool) {
	if s.destroyed {
		return
	}
	if peer == s.cfg.ID {
		s.log.Warnw("Refusing to dial own identifier", "peer_id", peer)
		return
	}
	if s.signaler == nil {
		s.log.Warnw("No signaling client, deferring dial until the link opens", "peer_id", peer)
		s.deferred[peer] = useRelayLink
		return
	}

	if old, ok := s.conns[peer]; ok {
		s.log.Warnw("Connection already existed when dialing", "peer_id", peer)
		delete(s.conns, peer)
		old.connection().close(true)
	}

	tunnel := useRelayLink || s.cfg.Options.ForceWebsocket
	out := newOutgoing(s.env, s, s.quality)
	c, err := newConnection(s.env, s.signaler, out, peer, true, tunnel, nil)
	if err != nil {
		s.log.Errorw("Failed to create connection", "peer_id", peer, "error", err)
		return
	}
	out.current.Store(c)
	s.conns[peer] = out
	if s.signalOpen {
		c.start()
	}
	s.update()
}

func (s *Session) acceptIncoming(peer domain.PeerID, tunnel bool, transport ports.DataTransport) *Connection {
	if old, ok := s.conns[peer]; ok {
		s.log.Warnw("Connection already existed", "peer_id", peer)
		delete(s.conns, peer)
		old.connection().close(true)
	}

	in := newIncoming(s.env, s, s.quality)
	c, err := newConnection(s.env, s.signaler, in, peer, false, tunnel, transport)
	if err != nil {
		s.log.Errorw("Failed to accept connection", "peer_id", peer, "error", err)
		if transport != nil {
			_ = transport.Close()
		}
		return nil
	}
	in.current.Store(c)
	s.conns[peer] = in
	if tunnel {
		c.start()
	}
	s.update()
	return c
}

// update recomputes status and quality and emits whichever changed.
func (s *Session) update() {
	conns := make(map[domain.PeerID]*Connection, len(s.conns))
	list := make([]*Connection, 0, len(s.conns))
	for peer, r := range s.conns {
		c := r.connection()
		conns[peer] = c
		list = append(list, c)
	}

	status := s.quality.SessionStatus(s.failed, s.cfg.ServerID, conns)
	quality := s.quality.SessionQuality(list)

	if status != s.status {
		s.status = status
		s.statusValue.Store(status)
		s.metrics.SetStatus(status)
		s.emit(StatusEvent{Status: status})
	}
	if quality != s.currentQual {
		s.currentQual = quality
		s.qualityValue.Store(int32(quality))
		s.metrics.SetQuality(quality)
		s.emit(QualityEvent{Quality: quality})
	}
}

func (s *Session) setError(kind domain.ErrorKind, err error) {
	if kind == domain.ErrorNone && s.lastError == domain.ErrorNone {
		return
	}
	s.lastError = kind
	s.emit(ErrorEvent{Type: kind, Err: err})
}

func (s *Session) armHeartbeat() {
	s.stopHeartbeat()
	seq := s.heartbeatSeq
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		s.loop.post(func() {
			if s.destroyed || s.heartbeatSeq != seq {
				return
			}
			s.heartbeat = nil
			if s.visible() {
				s.log.Warnw("Heartbeat missed, resetting")
				s.reset()
				return
			}
			s.armHeartbeat()
		})
	})
}

func (s *Session) stopHeartbeat() {
	s.heartbeatSeq++
	s.heartbeat.Stop()
	s.heartbeat = nil
}

// retryTimer is one cancellable delayed action. Signaling recovery and server
// re-dials each own one so that scheduling one never drops the other.
type retryTimer struct {
	timer *clock.Timer
	seq   uint64
}

func (t *retryTimer) stop() {
	t.seq++
	t.timer.Stop()
	t.timer = nil
}

func (t *retryTimer) pending() bool { return t.timer != nil }

// scheduleRetry replaces whatever t has pending with fn after d.
func (s *Session) scheduleRetry(t *retryTimer, d time.Duration, fn func()) {
	t.stop()
	seq := t.seq
	t.timer = s.clock.AfterFunc(d, func() {
		s.loop.post(func() {
			if s.destroyed || t.seq != seq {
				return
			}
			t.timer = nil
			fn()
		})
	})
}

func (s *Session) onSignalOpen(id domain.PeerID) {
	s.signalOpen = true
	s.idRetry.Reset()
	s.signalRetry.Reset()
	s.armHeartbeat()
	s.log.Infow("Signaling link open", "peer_id", id)
	s.emit(OpenEvent{ID: id})

	for _, r := range s.conns {
		r.connection().start()
	}
	for peer, useRelayLink := range s.deferred {
		delete(s.deferred, peer)
		s.dial(peer, useRelayLink)
	}

	if server := s.cfg.ServerID; server != "" {
		if _, ok := s.conns[server]; !ok {
			s.dial(server, s.cfg.Options.ForceWebsocket)
		} else {
			s.setError(domain.ErrorNone, nil)
		}
	} else {
		s.setError(domain.ErrorNone, nil)
	}
	s.update()
}

func (s *Session) onSignalMessage(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MessageHeartbeat:
		if s.signalOpen {
			s.armHeartbeat()
		}
	case domain.MessageKey:
		s.onKey(msg)
	case domain.MessageData:
		s.onTunnelData(msg)
	case domain.MessageLeave:
		if r, ok := s.conns[msg.Src]; ok {
			s.log.Infow("Peer left", "peer_id", msg.Src)
			r.connection().close(false)
		}
	}
}

// onKey routes a tunnel handshake. A key for a peer without a tunnel awaiting
// one starts a new incoming tunnel that replaces whatever was there.
func (s *Session) onKey(msg domain.SignalMessage) {
	var key string
	if err := json.Unmarshal(msg.Payload, &key); err != nil || key == "" {
		s.log.Warnw("Ignoring malformed KEY", "peer_id", msg.Src, "error", err)
		return
	}

	var c *Connection
	if r, ok := s.conns[msg.Src]; ok {
		existing := r.connection()
		if existing.IsTunnel() && !existing.hasRemoteKey() && !existing.IsClosed() {
			c = existing
		}
	}
	if c == nil {
		if c = s.acceptIncoming(msg.Src, true, nil); c == nil {
			return
		}
	}
	if err := c.handleKey(key); err != nil {
		s.log.Warnw("Tunnel handshake failed", "peer_id", msg.Src, "error", err)
	}
}

func (s *Session) onTunnelData(msg domain.SignalMessage) {
	r, ok := s.conns[msg.Src]
	if !ok || !r.connection().IsTunnel() {
		s.log.Debugw("DATA for unknown tunnel", "peer_id", msg.Src)
		return
	}
	var env cryptochannel.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		s.env.metrics.TunnelDecryptFailed()
		s.log.Warnw("Dropping malformed DATA", "peer_id", msg.Src, "error", err)
		return
	}
	r.connection().handleData(env)
}

func (s *Session) onSignalDisconnected() {
	s.signalOpen = false
	s.stopHeartbeat()
	// Tunnels ride on the signaling link and go down with it.
	for _, r := range s.conns {
		if c := r.connection(); c.IsTunnel() {
			c.close(false)
		}
	}
	s.log.Warnw("Signaling link disconnected")
	s.retrySignaling(true)
	s.update()
}

func (s *Session) roleOpened(r connectionRole) {
	s.peerRetry.Reset()
	s.update()
	s.setError(domain.ErrorNone, nil)
	s.emit(ConnectEvent{Conn: r})
}

func (s *Session) roleClosed(r connectionRole, local, wasOpen bool) {
	peer := r.Peer()
	if cur, ok := s.conns[peer]; ok && cur == r {
		delete(s.conns, peer)
	}
	s.update()
	if wasOpen {
		s.emit(CloseEvent{Conn: r, Local: local})
	}
}

func (s *Session) roleFailed(r connectionRole, err error) {
	peer := r.Peer()
	cur, ok := s.conns[peer]
	if !ok || cur != r {
		return
	}
	delete(s.conns, peer)
	s.update()
	if peer == s.cfg.ServerID {
		s.retryConnection(peer, err)
	}
}

func (s *Session) roleReplaced(r connectionRole, c *Connection) {
	if cur, ok := s.conns[r.Peer()]; !ok || cur != r {
		c.close(true)
		return
	}
	if s.signalOpen {
		c.start()
	}
	s.update()
}

func (s *Session) rolePayload(r connectionRole, payload json.RawMessage) {
	var ev builtinEvent
	if err := json.Unmarshal(payload, &ev); err == nil && ev.Event == eventIntroduce {
		if ev.Code != "" {
			s.log.Infow("Introduced to peer", "peer_id", ev.Code, "via", r.Peer())
			s.dial(ev.Code, false)
		}
		return
	}
	s.emit(DataEvent{Conn: r, Payload: payload})
}

// signalHandler moves Signaler callbacks onto the loop, dropping those from a
// signaler the session has since replaced.
type signalHandler struct {
	s          *Session
	generation uint64
}

func (h *signalHandler) run(fn func()) {
	h.s.loop.post(func() {
		if h.s.destroyed || h.s.generation != h.generation {
			return
		}
		fn()
	})
}

func (h *signalHandler) OnOpen(id domain.PeerID) { h.run(func() { h.s.onSignalOpen(id) }) }

func (h *signalHandler) OnMessage(msg domain.SignalMessage) {
	h.run(func() { h.s.onSignalMessage(msg) })
}

func (h *signalHandler) OnConnection(t ports.DataTransport) {
	h.s.loop.post(func() {
		if h.s.destroyed || h.s.generation != h.generation {
			_ = t.Close()
			return
		}
		h.s.acceptIncoming(t.Peer(), false, t)
	})
}

func (h *signalHandler) OnError(err *domain.SignalError) {
	h.run(func() { h.s.onSignalError(err) })
}

func (h *signalHandler) OnDisconnected() { h.run(h.s.onSignalDisconnected) }

func (h *signalHandler) OnClose() {
	h.run(func() {
		h.s.signalOpen = false
		h.s.stopHeartbeat()
	})
}

type noopMetrics struct{}

func (noopMetrics) SetStatus(domain.Status)                {}
func (noopMetrics) SetQuality(int)                         {}
func (noopMetrics) ConnectionOpened(domain.Tier)           {}
func (noopMetrics) ConnectionClosed(domain.Tier)           {}
func (noopMetrics) RetryScheduled(string)                  {}
func (noopMetrics) RecordRTT(domain.PeerID, time.Duration) {}
func (noopMetrics) TunnelDecryptFailed()                   {}
