package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
	"eterlink/internal/infrastructure/webrtc"
	apperrors "eterlink/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultICEServers is used when neither the config nor the relay supplies any.
var DefaultICEServers = []domain.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// ClientOptions tunes the websocket signaling client.
type ClientOptions struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SendQueueSize     int
	PortRangeMin      uint16
	PortRangeMax      uint16
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SendQueueSize:     64,
	}
}

// WebSocketClient registers a peer code with the relay over a websocket and
// negotiates data channels through it.
type WebSocketClient struct {
	cfg     ports.SignalerConfig
	opts    ClientOptions
	handler ports.SignalingHandler
	dialer  *websocket.Dialer
	token   string

	negotiator *webrtc.Negotiator
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	outbound   chan domain.SignalMessage
	connecting bool
	open       bool
	rejected   bool
	destroyed  bool
}

var _ ports.Signaler = (*WebSocketClient)(nil)

// NewSignalerFactory returns a factory producing websocket clients, for use
// with services.WithSignalerFactory.
func NewSignalerFactory(opts ClientOptions, logger *zap.SugaredLogger) ports.SignalerFactory {
	return func(cfg ports.SignalerConfig, h ports.SignalingHandler) (ports.Signaler, error) {
		return NewWebSocketClient(cfg, opts, h, logger)
	}
}

func NewWebSocketClient(cfg ports.SignalerConfig, opts ClientOptions, h ports.SignalingHandler, logger *zap.SugaredLogger) (*WebSocketClient, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("peer code is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("relay host is required")
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultClientOptions().SendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketClient{
		cfg:     cfg,
		opts:    opts,
		handler: h,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
		},
		token:  uuid.NewString(),
		logger: logger.With("peer_id", cfg.ID),
		ctx:    ctx,
		cancel: cancel,
	}

	wcfg := webrtc.Config{ICEServers: c.ICEServers(), ForceRelay: cfg.ForceRelay}
	wcfg.PortRange.Min = opts.PortRangeMin
	wcfg.PortRange.Max = opts.PortRangeMax
	c.negotiator = webrtc.NewNegotiator(wcfg, cfg.ID, c.Send, c.logger)
	return c, nil
}

func (c *WebSocketClient) ID() domain.PeerID { return c.cfg.ID }

func (c *WebSocketClient) ICEServers() []domain.ICEServer {
	if len(c.cfg.ICEServers) > 0 {
		return c.cfg.ICEServers
	}
	return DefaultICEServers
}

// URL is the relay websocket endpoint for this client.
func (c *WebSocketClient) URL() string {
	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	host := c.cfg.Host
	if c.cfg.Port > 0 {
		host = net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	}

	q := url.Values{}
	q.Set("key", c.cfg.Key)
	q.Set("id", string(c.cfg.ID))
	q.Set("token", c.token)

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     strings.TrimSuffix(c.cfg.Path, "/") + "/peerjs",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (c *WebSocketClient) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return domain.ErrSignalingClosed
	}
	if c.conn != nil || c.connecting {
		return nil
	}
	c.connecting = true
	c.rejected = false
	go c.run()
	return nil
}

// Reconnect registers the same code again after the link dropped.
func (c *WebSocketClient) Reconnect() error {
	return c.Open()
}

func (c *WebSocketClient) run() {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	conn, _, err := c.dialer.DialContext(ctx, c.URL(), nil)
	cancel()

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		destroyed := c.destroyed
		c.mu.Unlock()
		if !destroyed {
			c.logger.Warnw("Failed to reach relay", "error", err)
			c.handler.OnError(&domain.SignalError{
				Type:    domain.SignalErrNetwork,
				Message: "lost connection to server",
				Cause:   err,
			})
		}
		return
	}
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	outbound := make(chan domain.SignalMessage, c.opts.SendQueueSize)
	c.conn = conn
	c.outbound = outbound
	c.mu.Unlock()

	done := make(chan struct{})
	go c.writeLoop(conn, outbound, done)
	c.readLoop(conn)
	close(done)

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.outbound = nil
		c.open = false
	}
	destroyed, rejected := c.destroyed, c.rejected
	c.mu.Unlock()

	if !current || destroyed {
		return
	}
	if rejected {
		c.handler.OnClose()
		return
	}
	c.logger.Infow("Relay link dropped")
	c.handler.OnDisconnected()
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warnw("Dropping malformed relay frame", "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugw("Relay read failed", "error", err)
			}
			return
		}
		c.handleFrame(msg)
	}
}

func (c *WebSocketClient) writeLoop(conn *websocket.Conn, outbound <-chan domain.SignalMessage, done <-chan struct{}) {
	var heartbeat <-chan time.Time
	if c.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		var msg domain.SignalMessage
		select {
		case <-done:
			return
		case msg = <-outbound:
		case <-heartbeat:
			msg = domain.SignalMessage{Type: domain.MessageHeartbeat}
		}

		conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			c.logger.Debugw("Relay write failed", "type", msg.Type, "error", err)
			conn.Close()
			return
		}
	}
}

func (c *WebSocketClient) handleFrame(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MessageOpen:
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		c.logger.Infow("Registered with relay")
		c.handler.OnOpen(c.cfg.ID)

	case domain.MessageIDTaken:
		c.reject()
		c.handler.OnError(&domain.SignalError{
			Type:    domain.SignalErrUnavailableID,
			Message: fmt.Sprintf("ID %q is taken", c.cfg.ID),
		})

	case domain.MessageError:
		var p domain.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		c.reject()
		c.handler.OnError(&domain.SignalError{Type: classifyRelayError(p), Message: p.Msg})

	case domain.MessageExpire:
		c.handler.OnError(&domain.SignalError{
			Type:    domain.SignalErrPeerUnavailable,
			Peer:    msg.Src,
			Message: fmt.Sprintf("could not connect to peer %s", msg.Src),
		})

	case domain.MessageOffer:
		t, err := c.negotiator.HandleSignal(msg)
		if err != nil {
			c.logger.Warnw("Failed to answer offer", "remote", msg.Src, "error", err)
			c.handler.OnError(&domain.SignalError{Type: domain.SignalErrWebRTC, Peer: msg.Src, Message: err.Error(), Cause: err})
			return
		}
		c.handler.OnConnection(t)

	case domain.MessageAnswer, domain.MessageCandidate:
		if _, err := c.negotiator.HandleSignal(msg); err != nil {
			c.logger.Debugw("Negotiation frame rejected", "type", msg.Type, "remote", msg.Src, "error", err)
		}

	default:
		c.handler.OnMessage(msg)
	}
}

// reject marks the link as refused by the relay so that its closing is not
// reported as a network disconnect.
func (c *WebSocketClient) reject() {
	c.mu.Lock()
	c.rejected = true
	c.mu.Unlock()
}

func classifyRelayError(p domain.ErrorPayload) domain.SignalErrorType {
	switch apperrors.ErrorCode(p.Code) {
	case apperrors.ErrCodeInvalidKey:
		return domain.SignalErrInvalidKey
	case apperrors.ErrCodeInvalidID:
		return domain.SignalErrInvalidID
	case apperrors.ErrCodeIDTaken:
		return domain.SignalErrUnavailableID
	}
	if strings.Contains(strings.ToLower(p.Msg), "invalid key") {
		return domain.SignalErrInvalidKey
	}
	return domain.SignalErrServer
}

// Send queues msg for the relay. It never blocks.
func (c *WebSocketClient) Send(msg domain.SignalMessage) error {
	if msg.Src == "" {
		msg.Src = c.cfg.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || c.outbound == nil {
		return domain.ErrSignalingClosed
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (c *WebSocketClient) Connect(peer domain.PeerID) (ports.DataTransport, error) {
	c.mu.Lock()
	ready := c.open && !c.destroyed
	c.mu.Unlock()
	if !ready {
		return nil, domain.ErrSignalingClosed
	}
	return c.negotiator.Dial(peer)
}

// Destroy closes the link and every data channel it negotiated. No callbacks
// are delivered afterwards.
func (c *WebSocketClient) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	c.conn = nil
	c.outbound = nil
	c.open = false
	c.mu.Unlock()

	c.cancel()
	// The relay announces LEAVE to our peers when the socket goes away.
	if conn != nil {
		conn.Close()
	}
	c.negotiator.Close()
	c.logger.Infow("Signaling client destroyed")
}
