package services

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/internal/core/ports"
	"eterlink/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeRelay hands out fake signalers and routes frames between the ones that
// are open, the way the relay server would.
type fakeRelay struct {
	mu        sync.Mutex
	signalers []*fakeSignaler
	online    map[domain.PeerID]*fakeSignaler
	failNext  int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{online: make(map[domain.PeerID]*fakeSignaler)}
}

func (r *fakeRelay) factory(cfg ports.SignalerConfig, h ports.SignalingHandler) (ports.Signaler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return nil, errors.New("relay unreachable")
	}
	sig := &fakeSignaler{relay: r, cfg: cfg, h: h, transports: make(map[domain.PeerID]*fakeTransport)}
	r.signalers = append(r.signalers, sig)
	return sig, nil
}

// created counts the signalers built for id.
func (r *fakeRelay) created(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sig := range r.signalers {
		if sig.cfg.ID == id {
			n++
		}
	}
	return n
}

func (r *fakeRelay) last(id domain.PeerID) *fakeSignaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.signalers) - 1; i >= 0; i-- {
		if r.signalers[i].cfg.ID == id {
			return r.signalers[i]
		}
	}
	return nil
}

func (r *fakeRelay) route(msg domain.SignalMessage) {
	r.mu.Lock()
	dst := r.online[msg.Dst]
	r.mu.Unlock()
	if dst != nil {
		dst.h.OnMessage(msg)
	}
}

type fakeSignaler struct {
	relay *fakeRelay
	cfg   ports.SignalerConfig
	h     ports.SignalingHandler

	mu         sync.Mutex
	opened     bool
	destroyed  bool
	reconnects int
	sent       []domain.SignalMessage
	connects   []domain.PeerID
	transports map[domain.PeerID]*fakeTransport
	connectErr error
}

func (f *fakeSignaler) ID() domain.PeerID { return f.cfg.ID }

func (f *fakeSignaler) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

// accept simulates the relay confirming registration.
func (f *fakeSignaler) accept() {
	f.relay.mu.Lock()
	f.relay.online[f.cfg.ID] = f
	f.relay.mu.Unlock()
	f.h.OnOpen(f.cfg.ID)
}

func (f *fakeSignaler) Send(msg domain.SignalMessage) error {
	msg.Src = f.cfg.ID
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.relay.route(msg)
	return nil
}

func (f *fakeSignaler) Connect(peer domain.PeerID) (ports.DataTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peer)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	t := newFakeTransport(peer)
	f.transports[peer] = t
	return t, nil
}

func (f *fakeSignaler) ICEServers() []domain.ICEServer { return f.cfg.ICEServers }

func (f *fakeSignaler) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeSignaler) Destroy() {
	f.relay.mu.Lock()
	if f.relay.online[f.cfg.ID] == f {
		delete(f.relay.online, f.cfg.ID)
	}
	f.relay.mu.Unlock()

	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

func (f *fakeSignaler) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeSignaler) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeSignaler) transport(peer domain.PeerID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[peer]
}

func (f *fakeSignaler) sentOfType(t domain.MessageType) []domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeTransport struct {
	peer domain.PeerID

	mu        sync.Mutex
	h         ports.TransportHandler
	sent      [][]byte
	closed    bool
	candidate domain.CandidateType
	hasPair   bool
}

func newFakeTransport(peer domain.PeerID) *fakeTransport {
	return &fakeTransport{peer: peer, candidate: domain.CandidateHost, hasPair: true}
}

func (t *fakeTransport) Peer() domain.PeerID { return t.peer }

func (t *fakeTransport) SetHandler(h ports.TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

func (t *fakeTransport) handler() ports.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrConnectionClosed
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) RemoteCandidateType() (domain.CandidateType, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.candidate, t.hasPair
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentPayloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, b := range t.sent {
		out[i] = string(b)
	}
	return out
}

func (t *fakeTransport) open(candidate domain.CandidateType) {
	t.mu.Lock()
	t.candidate = candidate
	h := t.h
	t.mu.Unlock()
	h.OnTransportOpen()
}

func (t *fakeTransport) receive(payload string) {
	t.handler().OnTransportMessage([]byte(payload))
}

// recorder collects session events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *recorder {
	r := &recorder{}
	for _, kind := range []EventKind{EventOpen, EventStatus, EventQuality, EventConnect, EventClose, EventData, EventError, EventRetry} {
		s.Subscribe(kind, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.ofKind(kind)) >= n
	}, time.Second, time.Millisecond, "waiting for %d %s events", n, kind)
	return r.ofKind(kind)
}

func (r *recorder) dataPayloads() []string {
	var out []string
	for _, ev := range r.ofKind(EventData) {
		out = append(out, string(ev.(DataEvent).Payload))
	}
	return out
}

type testSession struct {
	*Session
	relay   *fakeRelay
	clock   *clock.FakeClock
	events  *recorder
	visible *visibility
}

type visibility struct {
	mu      sync.Mutex
	visible bool
}

func (v *visibility) get() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *visibility) set(visible bool) {
	v.mu.Lock()
	v.visible = visible
	v.mu.Unlock()
}

func newTestSession(t *testing.T, cfg SessionConfig, relay *fakeRelay, c *clock.FakeClock) *testSession {
	t.Helper()
	if relay == nil {
		relay = newFakeRelay()
	}
	if c == nil {
		c = clock.Fake(epoch)
	}
	v := &visibility{visible: true}
	s, err := NewSession(cfg,
		WithSignalerFactory(relay.factory),
		WithClock(c),
		WithVisibility(v.get),
		WithLogger(zap.NewNop().Sugar()),
	)
	require.NoError(t, err)
	ts := &testSession{Session: s, relay: relay, clock: c, events: record(s), visible: v}
	t.Cleanup(s.Destroy)
	return ts
}

// sync waits until every closure posted so far has run on the loop.
func (ts *testSession) sync() {
	_ = ts.loop.call(func() {})
}

// advance moves the fake clock and lets the resulting timer work run.
func (ts *testSession) advance(d time.Duration) {
	ts.clock.Advance(d)
	ts.sync()
}

func (ts *testSession) signaler() *fakeSignaler {
	return ts.relay.last(ts.ID())
}

func (ts *testSession) created() int {
	return ts.relay.created(ts.ID())
}

// openSignaling confirms registration of the current signaler.
func (ts *testSession) openSignaling() *fakeSignaler {
	sig := ts.signaler()
	sig.accept()
	ts.sync()
	return sig
}

func (ts *testSession) conn(t *testing.T, peer domain.PeerID) ConnectionIO {
	t.Helper()
	c, ok := ts.Connection(peer)
	require.True(t, ok, "connection to %s", peer)
	return c
}

func assertStatus(t *testing.T, ts *testSession, want domain.Status) {
	t.Helper()
	assert.Equal(t, want, ts.Status())
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
