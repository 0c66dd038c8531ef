package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const channelLabel = "eterlink"

var ErrUnknownConnection = errors.New("unknown data channel connection")

// Config configures data channel peer connections.
type Config struct {
	ICEServers []domain.ICEServer
	// ForceRelay limits ICE to TURN relay candidates.
	ForceRelay bool
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// SignalSender delivers a negotiation frame through the relay.
type SignalSender func(msg domain.SignalMessage) error

// Negotiator creates data channel transports and drives their OFFER, ANSWER
// and CANDIDATE exchange over the relay.
type Negotiator struct {
	config Config
	self   domain.PeerID
	send   SignalSender
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu         sync.Mutex
	transports map[string]*DataChannelTransport
}

func NewNegotiator(config Config, self domain.PeerID, send SignalSender, logger *zap.SugaredLogger) *Negotiator {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			logger.Warnw("Invalid UDP port range", "error", err)
		}
	}

	return &Negotiator{
		config:     config,
		self:       self,
		send:       send,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:     logger,
		transports: make(map[string]*DataChannelTransport),
	}
}

// SetICEServers replaces the server list used for new connections.
func (n *Negotiator) SetICEServers(servers []domain.ICEServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config.ICEServers = servers
}

func (n *Negotiator) createPeerConnection() (*webrtc.PeerConnection, error) {
	n.mu.Lock()
	servers := make([]webrtc.ICEServer, 0, len(n.config.ICEServers))
	for _, s := range n.config.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	n.mu.Unlock()

	config := webrtc.Configuration{ICEServers: servers}
	if n.config.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return n.api.NewPeerConnection(config)
}

// Dial starts an outbound data channel to peer and sends the OFFER.
func (n *Negotiator) Dial(peer domain.PeerID) (*DataChannelTransport, error) {
	pc, err := n.createPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := n.register(peer, "dc_"+uuid.NewString(), pc)

	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	t.bindChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := n.sendSignal(domain.MessageOffer, peer, domain.SessionDescriptionPayload{
		ConnectionID: t.id,
		SDP:          offer.SDP,
		Type:         "data",
		Label:        channelLabel,
		Reliable:     true,
	}); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// HandleSignal applies an OFFER, ANSWER or CANDIDATE frame. An OFFER returns the
// new inbound transport.
func (n *Negotiator) HandleSignal(msg domain.SignalMessage) (*DataChannelTransport, error) {
	switch msg.Type {
	case domain.MessageOffer:
		var p domain.SessionDescriptionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid offer: %w", err)
		}
		return n.accept(msg.Src, p)

	case domain.MessageAnswer:
		var p domain.SessionDescriptionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid answer: %w", err)
		}
		t, ok := n.lookup(p.ConnectionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, p.ConnectionID)
		}
		return nil, t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})

	case domain.MessageCandidate:
		var p domain.CandidatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid candidate: %w", err)
		}
		t, ok := n.lookup(p.ConnectionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, p.ConnectionID)
		}
		return nil, t.addCandidate(webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		})
	}
	return nil, fmt.Errorf("unexpected negotiation frame %s", msg.Type)
}

func (n *Negotiator) accept(peer domain.PeerID, offer domain.SessionDescriptionPayload) (*DataChannelTransport, error) {
	pc, err := n.createPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	t := n.register(peer, offer.ConnectionID, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindChannel(dc)
	})

	if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		t.Close()
		return nil, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := n.sendSignal(domain.MessageAnswer, peer, domain.SessionDescriptionPayload{
		ConnectionID: t.id,
		SDP:          answer.SDP,
		Type:         "data",
	}); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (n *Negotiator) register(peer domain.PeerID, id string, pc *webrtc.PeerConnection) *DataChannelTransport {
	t := &DataChannelTransport{id: id, peer: peer, pc: pc, negotiator: n}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := n.sendSignal(domain.MessageCandidate, peer, domain.CandidatePayload{
			ConnectionID:  id,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}); err != nil {
			n.logger.Debugw("Failed to send candidate", "peer_id", peer, "error", err)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.logger.Debugw("ICE state", "peer_id", peer, "connection_id", id, "state", state.String())
		if h := t.handler(); h != nil {
			h.OnICEStateChange(domain.ICEState(state.String()))
		}
	})

	n.mu.Lock()
	n.transports[id] = t
	n.mu.Unlock()
	return t
}

func (n *Negotiator) lookup(id string) (*DataChannelTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[id]
	return t, ok
}

func (n *Negotiator) forget(id string) {
	n.mu.Lock()
	delete(n.transports, id)
	n.mu.Unlock()
}

func (n *Negotiator) sendSignal(t domain.MessageType, peer domain.PeerID, payload any) error {
	msg, err := domain.NewSignalMessage(t, n.self, peer, payload)
	if err != nil {
		return err
	}
	if err := n.send(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// Close tears down every transport.
func (n *Negotiator) Close() {
	n.mu.Lock()
	transports := make([]*DataChannelTransport, 0, len(n.transports))
	for _, t := range n.transports {
		transports = append(transports, t)
	}
	n.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
}

// DataChannelTransport is one pion PeerConnection carrying a single data
// channel.
type DataChannelTransport struct {
	id         string
	peer       domain.PeerID
	pc         *webrtc.PeerConnection
	negotiator *Negotiator

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	h                 ports.TransportHandler
	opened            bool
	closed            bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
}

var _ ports.DataTransport = (*DataChannelTransport)(nil)

func (t *DataChannelTransport) ID() string { return t.id }

func (t *DataChannelTransport) Peer() domain.PeerID { return t.peer }

func (t *DataChannelTransport) handler() ports.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *DataChannelTransport) SetHandler(h ports.TransportHandler) {
	t.mu.Lock()
	t.h = h
	replayOpen := h != nil && t.opened && !t.closed
	t.mu.Unlock()

	if replayOpen {
		h.OnTransportOpen()
	}
}

func (t *DataChannelTransport) bindChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.mu.Lock()
		t.opened = true
		h := t.h
		t.mu.Unlock()
		if h != nil {
			h.OnTransportOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h := t.handler(); h != nil {
			h.OnTransportMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		if h := t.handler(); h != nil {
			h.OnTransportClose()
		}
	})
	dc.OnError(func(err error) {
		if h := t.handler(); h != nil {
			h.OnTransportError(err)
		}
	})
}

func (t *DataChannelTransport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.negotiator.logger.Debugw("Failed to add queued candidate", "peer_id", t.peer, "error", err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, holding it until the remote
// description is known.
func (t *DataChannelTransport) addCandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pendingCandidates = append(t.pendingCandidates, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(c)
}

func (t *DataChannelTransport) Send(data []byte) error {
	t.mu.Lock()
	dc, open, closed := t.dc, t.opened, t.closed
	t.mu.Unlock()

	if closed {
		return domain.ErrConnectionClosed
	}
	if dc == nil || !open {
		return domain.ErrNotReady
	}
	return dc.SendText(string(data))
}

func (t *DataChannelTransport) RemoteCandidateType() (domain.CandidateType, bool) {
	sctp := t.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "", false
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return "", false
	}

	switch pair.Remote.Typ {
	case webrtc.ICECandidateTypeRelay:
		return domain.CandidateRelay, true
	case webrtc.ICECandidateTypeSrflx:
		return domain.CandidateSrflx, true
	case webrtc.ICECandidateTypePrflx:
		return domain.CandidatePrflx, true
	default:
		return domain.CandidateHost, true
	}
}

// Close is idempotent. The peer connection is released in the background.
func (t *DataChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.h = nil
	t.mu.Unlock()

	t.negotiator.forget(t.id)
	go func() {
		if err := t.pc.Close(); err != nil {
			t.negotiator.logger.Debugw("Peer connection close failed", "peer_id", t.peer, "error", err)
		}
	}()
	return nil
}
