package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
	"eterlink/pkg/cache"
	apperrors "eterlink/pkg/errors"
	rlog "eterlink/pkg/logger"
	"eterlink/pkg/tracing"
	"eterlink/pkg/utils"
	"eterlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var errPeerAbsent = errors.New("peer not registered")

// ServerOptions configures the relay.
type ServerOptions struct {
	Key        string
	InstanceID string

	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration

	MessagesPerSecond float64
	Burst             int
	MaxConcurrent     int
	MaxMessageSize    int64
	SendQueueSize     int
	// LookupTTL is how long the owner of a remote code is remembered.
	LookupTTL time.Duration

	AllowedOrigins []string
	ICEServers     []domain.ICEServer
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Key:               "peerjs",
		InstanceID:        utils.GenerateInstanceID(),
		HeartbeatInterval: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     64,
		LookupTTL:         time.Second,
	}
}

// RelayServer is a PeerJS-compatible signaling relay. Peers register a code
// over a websocket and exchange frames addressed by code. With a shared
// registry and bus several instances serve one code space.
type RelayServer struct {
	opts     ServerOptions
	registry ports.PeerRegistry
	bus      ports.RelayBus
	metrics  ports.RelayMetrics
	logger   *rlog.ContextLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[domain.PeerID]*relayClient
	owners  *cache.Cache[domain.PeerID, string]

	slots chan struct{}
}

type relayClient struct {
	id      domain.PeerID
	token   string
	conn    *websocket.Conn
	send    chan domain.SignalMessage
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	contacts map[domain.PeerID]struct{}
}

func (c *relayClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *relayClient) enqueue(msg domain.SignalMessage) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *relayClient) touch(peer domain.PeerID) {
	c.mu.Lock()
	c.contacts[peer] = struct{}{}
	c.mu.Unlock()
}

func (c *relayClient) contactList() []domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PeerID, 0, len(c.contacts))
	for p := range c.contacts {
		out = append(out, p)
	}
	return out
}

// NewRelayServer creates a relay. bus and metrics may be nil.
func NewRelayServer(opts ServerOptions, registry ports.PeerRegistry, bus ports.RelayBus, metrics ports.RelayMetrics, logger *rlog.ContextLogger) *RelayServer {
	def := DefaultServerOptions()
	if opts.InstanceID == "" {
		opts.InstanceID = def.InstanceID
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = def.SendQueueSize
	}
	if opts.LookupTTL <= 0 {
		opts.LookupTTL = def.LookupTTL
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}

	s := &RelayServer{
		opts:     opts,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		clients:  make(map[domain.PeerID]*relayClient),
		owners:   cache.New[domain.PeerID, string](opts.LookupTTL),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if opts.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

func (s *RelayServer) InstanceID() string { return s.opts.InstanceID }

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Run forwards frames published for this instance by other relays. It blocks
// until ctx is done and returns immediately without a bus.
func (s *RelayServer) Run(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	go s.owners.RunPruner(ctx, time.Minute)
	err := s.bus.Subscribe(ctx, func(msg domain.SignalMessage) {
		if !s.deliverLocal(msg) {
			s.logger.Sugar(ctx).Debugw("Dropping bus frame for absent peer", "dst", msg.Dst, "type", msg.Type)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// HandleWebSocket serves /peerjs?key=&id=&token=.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Sugar(r.Context()).Warnw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	q := r.URL.Query()
	id := domain.PeerID(q.Get("id"))
	token := q.Get("token")
	ctx := rlog.WithTraceID(r.Context(), utils.GenerateTraceID())
	ctx = rlog.WithSessionID(rlog.WithPeerID(ctx, string(id)), token)
	log := s.logger.Sugar(ctx)

	if q.Get("key") != s.opts.Key {
		s.reject(conn, apperrors.NewInvalidKeyError())
		return
	}
	if err := validation.ValidatePeerID(string(id)); err != nil {
		s.reject(conn, apperrors.NewInvalidIDError(string(id)))
		return
	}

	client := &relayClient{
		id:       id,
		token:    token,
		conn:     conn,
		send:     make(chan domain.SignalMessage, s.opts.SendQueueSize),
		limiter:  s.newLimiter(),
		done:     make(chan struct{}),
		contacts: make(map[domain.PeerID]struct{}),
	}
	ok, replaced := s.claim(ctx, client)
	if !ok {
		s.metrics.IDConflict()
		log.Infow("Peer code already taken")
		s.writeFrame(conn, domain.SignalMessage{Type: domain.MessageIDTaken})
		return
	}
	defer s.release(ctx, client)

	if !replaced {
		s.metrics.PeerConnected()
	}
	log.Infow("Peer registered", "reconnect", replaced)

	go s.writeLoop(ctx, client)
	client.enqueue(domain.SignalMessage{Type: domain.MessageOpen})
	s.readLoop(ctx, client)
}

func (s *RelayServer) newLimiter() *rate.Limiter {
	if s.opts.MessagesPerSecond <= 0 {
		return nil
	}
	burst := s.opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
}

// claim registers the code locally and in the shared registry. A reconnect
// carrying the token of the live connection replaces it.
func (s *RelayServer) claim(ctx context.Context, c *relayClient) (ok, replaced bool) {
	s.mu.Lock()
	prev, exists := s.clients[c.id]
	if exists && (c.token == "" || prev.token != c.token) {
		s.mu.Unlock()
		return false, false
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	if exists {
		prev.close()
		return true, true
	}

	ctx, span := tracing.TraceRegistryOperation(ctx, "register", string(c.id))
	defer span.End()
	ok, err := s.registry.Register(ctx, c.id, s.opts.InstanceID)
	if err != nil {
		// Serve the code locally while the shared registry is down.
		span.RecordError(err)
		s.logger.Sugar(ctx).Warnw("Registry unavailable, accepting peer locally", "error", err)
		ok = true
	}
	if !ok {
		s.mu.Lock()
		if s.clients[c.id] == c {
			delete(s.clients, c.id)
		}
		s.mu.Unlock()
	}
	return ok, false
}

func (s *RelayServer) release(ctx context.Context, c *relayClient) {
	c.close()

	s.mu.Lock()
	current := s.clients[c.id] == c
	if current {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()

	if !current {
		// Replaced by a reconnect with the same token.
		return
	}
	s.metrics.PeerDisconnected()

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()
	if err := s.registry.Unregister(uctx, c.id, s.opts.InstanceID); err != nil {
		s.logger.Sugar(ctx).Warnw("Failed to unregister peer", "error", err)
	}

	for _, peer := range c.contactList() {
		s.route(uctx, domain.SignalMessage{Type: domain.MessageLeave, Src: c.id, Dst: peer})
	}
	s.logger.Sugar(ctx).Infow("Peer disconnected")
}

func (s *RelayServer) readLoop(ctx context.Context, c *relayClient) {
	log := s.logger.Sugar(ctx)
	if s.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("Read from peer failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.RateLimited()
			log.Warnw("Rate limit exceeded, dropping frame")
			continue
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugw("Dropping malformed frame", "frame", utils.TruncateString(string(data), 128), "error", err)
			continue
		}

		switch {
		case msg.Type == domain.MessageHeartbeat:
		case msg.Forwarded():
			msg.Src = c.id
			if msg.Dst == "" {
				log.Debugw("Dropping frame without destination", "type", msg.Type)
				continue
			}
			c.touch(msg.Dst)
			s.route(ctx, msg)
		default:
			log.Debugw("Ignoring frame", "type", msg.Type)
		}
	}
}

func (s *RelayServer) writeLoop(ctx context.Context, c *relayClient) {
	var heartbeat <-chan time.Time
	if s.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		var msg domain.SignalMessage
		select {
		case <-c.done:
			return
		case msg = <-c.send:
		case <-heartbeat:
			if !s.refresh(ctx, c) {
				c.close()
				return
			}
			msg = domain.SignalMessage{Type: domain.MessageHeartbeat}
		}

		if err := s.writeFrame(c.conn, msg); err != nil {
			s.logger.Sugar(ctx).Debugw("Write to peer failed", "type", msg.Type, "error", err)
			c.close()
			return
		}
	}
}

// refresh extends the registry lease. It reports false when another instance
// now owns the code.
func (s *RelayServer) refresh(ctx context.Context, c *relayClient) bool {
	rctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	err := s.registry.Refresh(rctx, c.id, s.opts.InstanceID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrPeerNotFound):
		s.logger.Sugar(ctx).Warnw("Registration lease lost, closing connection")
		return false
	default:
		s.logger.Sugar(ctx).Debugw("Lease refresh failed", "error", err)
		return true
	}
}

func (s *RelayServer) writeFrame(conn *websocket.Conn, msg domain.SignalMessage) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *RelayServer) reject(conn *websocket.Conn, appErr *apperrors.AppError) {
	msg, _ := domain.NewSignalMessage(domain.MessageError, "", "", domain.ErrorPayload{
		Msg:  appErr.Message,
		Code: string(appErr.Code),
	})
	s.writeFrame(conn, msg)
}

// route delivers msg to its destination on this instance, through the bus to
// the owning instance, or answers the sender with EXPIRE.
func (s *RelayServer) route(ctx context.Context, msg domain.SignalMessage) {
	ctx, span := tracing.TraceRelayRoute(ctx, string(msg.Type), string(msg.Src), string(msg.Dst))
	defer span.End()

	if s.deliverLocal(msg) {
		span.SetAttributes(tracing.LocalKey.Bool(true))
		s.metrics.MessageRouted(msg.Type, true)
		return
	}

	if s.bus != nil {
		instance, found, err := s.owner(ctx, msg.Dst)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "registry lookup failed")
		}
		if found && instance != s.opts.InstanceID {
			err := s.bus.Publish(ctx, instance, msg)
			if err == nil {
				span.SetAttributes(tracing.LocalKey.Bool(false), tracing.InstanceKey.String(instance))
				s.metrics.MessageRouted(msg.Type, false)
				return
			}
			s.owners.Delete(msg.Dst)
			span.RecordError(err)
		}
	}

	if msg.Type == domain.MessageLeave || msg.Type == domain.MessageExpire {
		return
	}
	s.metrics.MessageExpired()
	s.deliverLocal(domain.SignalMessage{Type: domain.MessageExpire, Src: msg.Dst, Dst: msg.Src})
}

// owner finds the instance holding id. Only positive answers are cached.
func (s *RelayServer) owner(ctx context.Context, id domain.PeerID) (string, bool, error) {
	instance, err := s.owners.GetOrLoad(ctx, id, func(ctx context.Context) (string, error) {
		instance, found, err := s.registry.Lookup(ctx, id)
		if err == nil && !found {
			err = errPeerAbsent
		}
		return instance, err
	})
	if errors.Is(err, errPeerAbsent) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return instance, true, nil
}

func (s *RelayServer) deliverLocal(msg domain.SignalMessage) bool {
	s.mu.RLock()
	c, ok := s.clients[msg.Dst]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if msg.Type != domain.MessageExpire {
		c.touch(msg.Src)
	}
	if !c.enqueue(msg) {
		s.logger.Sugar(context.Background()).Warnw("Peer send queue full, dropping frame", "dst", msg.Dst, "type", msg.Type)
	}
	return true
}

// IsPeerConnected reports whether code is registered on this instance.
func (s *RelayServer) IsPeerConnected(id domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

// PeerOnline reports whether code is registered on any instance.
func (s *RelayServer) PeerOnline(ctx context.Context, id domain.PeerID) (bool, error) {
	if s.IsPeerConnected(id) {
		return true, nil
	}
	_, found, err := s.registry.Lookup(ctx, id)
	return found, err
}

func (s *RelayServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.clients))
	for id := range s.clients {
		peers = append(peers, id)
	}
	return peers
}

// ValidKey reports whether key matches the relay API key.
func (s *RelayServer) ValidKey(key string) bool {
	return key == s.opts.Key
}

// ICEConfig is the server list handed out by /peerjs/iceconfig.
func (s *RelayServer) ICEConfig() domain.ICEConfig {
	servers := s.opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	return domain.ICEConfig{ICEServers: servers}
}

// Shutdown closes every peer connection.
func (s *RelayServer) Shutdown() {
	s.mu.RLock()
	clients := make([]*relayClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) PeerConnected() {}
func (nopRelayMetrics) PeerDisconnected() {}
func (nopRelayMetrics) MessageRouted(domain.MessageType, bool) {}
func (nopRelayMetrics) MessageExpired() {}
func (nopRelayMetrics) IDConflict() {}
func (nopRelayMetrics) RateLimited() {}
