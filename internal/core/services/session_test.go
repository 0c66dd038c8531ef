package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"eterlink/internal/core/domain"
	"eterlink/pkg/cryptochannel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDirect(t *testing.T, ts *testSession, peer domain.PeerID, candidate domain.CandidateType) *fakeTransport {
	t.Helper()
	ts.Dial(peer, false)
	tr := ts.signaler().transport(peer)
	require.NotNil(t, tr, "transport to %s", peer)
	tr.open(candidate)
	ts.sync()
	require.True(t, ts.conn(t, peer).IsOpen())
	return tr
}

func TestNewSession_RequiresFactory(t *testing.T) {
	_, err := NewSession(SessionConfig{ID: "HUB"})
	assert.Error(t, err)

	_, err = NewSession(SessionConfig{}, WithSignalerFactory(newFakeRelay().factory))
	assert.Error(t, err)
}

func TestNewSession_CreatesSignaler(t *testing.T) {
	ts := newTestSession(t, SessionConfig{
		ID:         "HUB",
		Host:       "relay.example",
		Port:       443,
		Secure:     true,
		Key:        "k",
		Options:    SessionOptions{ForceTURN: true},
		ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example:3478"}}},
	}, nil, nil)

	sig := ts.signaler()
	require.NotNil(t, sig)
	assert.True(t, sig.opened)
	assert.True(t, sig.cfg.ForceRelay)
	assert.Equal(t, "relay.example", sig.cfg.Host)
	assert.Len(t, sig.ICEServers(), 1)
	assertStatus(t, ts, domain.StatusConnecting)
	assert.Equal(t, 0, ts.Quality())
}

func TestSession_DialBeforeOpenResolvesRelayTier(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)

	ts.Dial("P1", false)
	c := ts.conn(t, "P1")
	assert.False(t, c.IsOpen())
	assert.True(t, c.Initiated())
	assert.Equal(t, 0, ts.signaler().connectCount())

	sig := ts.openSignaling()
	assert.Equal(t, 1, sig.connectCount())

	sig.transport("P1").open(domain.CandidateRelay)
	ts.sync()

	assert.True(t, c.IsOpen())
	assert.Equal(t, domain.TierRelay, c.Tier())
	assert.Equal(t, QualityRelay, c.Quality())
	assert.Equal(t, QualityRelay, ts.Quality())
	assertStatus(t, ts, domain.StatusReady)

	connects := ts.events.waitFor(t, EventConnect, 1)
	assert.Equal(t, domain.PeerID("P1"), connects[0].(ConnectEvent).Conn.Peer())
	statuses := ts.events.waitFor(t, EventStatus, 1)
	assert.Equal(t, domain.StatusReady, statuses[0].(StatusEvent).Status)
	qualities := ts.events.waitFor(t, EventQuality, 1)
	assert.Equal(t, QualityRelay, qualities[0].(QualityEvent).Quality)
}

func TestSession_QualityIsMaxOverOpenConnections(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()

	openDirect(t, ts, "P1", domain.CandidateHost)
	openDirect(t, ts, "P2", domain.CandidateRelay)
	assert.Equal(t, QualityDirect, ts.Quality())

	ts.conn(t, "P1").Close()
	ts.sync()
	assert.Equal(t, QualityRelay, ts.Quality())
	assertStatus(t, ts, domain.StatusReady)

	ts.conn(t, "P2").Close()
	ts.sync()
	assert.Equal(t, QualityClosed, ts.Quality())
	assertStatus(t, ts, domain.StatusConnecting)

	events := ts.events.waitFor(t, EventQuality, 3)
	var got []int
	for _, ev := range events {
		got = append(got, ev.(QualityEvent).Quality)
	}
	assert.Equal(t, []int{QualityDirect, QualityRelay, QualityClosed}, got)

	closes := ts.events.waitFor(t, EventClose, 2)
	for _, ev := range closes {
		assert.True(t, ev.(CloseEvent).Local)
	}
}

func TestSession_TierWithoutCandidatePair(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	ts.Dial("P1", false)
	tr := sig.transport("P1")
	tr.hasPair = false
	tr.open(domain.CandidateHost)
	ts.sync()

	c := ts.conn(t, "P1")
	assert.True(t, c.IsOpen())
	assert.Equal(t, domain.TierTunnel, c.Tier())
	assert.Equal(t, QualityTunnel, ts.Quality())
}

func TestSession_ClientReadyOnlyWithServer(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	sig := ts.openSignaling()

	// Dialed on open.
	require.Equal(t, 1, sig.connectCount())

	openDirect(t, ts, "OTHER", domain.CandidateHost)
	assertStatus(t, ts, domain.StatusConnecting)
	assert.Equal(t, QualityDirect, ts.Quality())

	sig.transport("SRV").open(domain.CandidateSrflx)
	ts.sync()
	assertStatus(t, ts, domain.StatusReady)
}

func TestSession_SendToAllHonoursExcludeAndClosed(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	ts.SendToAll(map[string]int{"early": 1})

	p1 := openDirect(t, ts, "P1", domain.CandidateHost)
	p2 := openDirect(t, ts, "P2", domain.CandidateHost)
	ts.Dial("P3", false)
	p3 := sig.transport("P3")

	ts.SendToAll(map[string]int{"x": 1}, "P2")

	assert.Equal(t, []string{`{"x":1}`}, p1.sentPayloads())
	assert.Empty(t, p2.sentPayloads())
	assert.Empty(t, p3.sentPayloads())
}

func TestSession_SendToAllNoopUnlessReady(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	ts.openSignaling()

	p1 := openDirect(t, ts, "P1", domain.CandidateHost)
	assertStatus(t, ts, domain.StatusConnecting)

	ts.SendToAll("hello")
	assert.Empty(t, p1.sentPayloads())
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	p1 := openDirect(t, ts, "P1", domain.CandidateHost)
	p2 := openDirect(t, ts, "P2", domain.CandidateRelay)
	ts.Dial("P3", false)

	ts.Destroy()
	ts.Destroy()

	closes := ts.events.waitFor(t, EventClose, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ts.events.ofKind(EventClose), 2)
	for _, ev := range closes {
		assert.True(t, ev.(CloseEvent).Local)
	}
	assert.True(t, p1.isClosed())
	assert.True(t, p2.isClosed())
	assert.True(t, sig.transport("P3").isClosed())
	assert.True(t, sig.isDestroyed())

	_, ok := ts.Connection("P1")
	assert.False(t, ok)
	assert.NotPanics(t, func() { ts.SendToAll("late") })
}

func TestSession_DialReplacesExisting(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	old := openDirect(t, ts, "P1", domain.CandidateHost)
	ts.Dial("P1", false)

	assert.True(t, old.isClosed())
	closes := ts.events.waitFor(t, EventClose, 1)
	assert.True(t, closes[0].(CloseEvent).Local)

	c := ts.conn(t, "P1")
	assert.False(t, c.IsOpen())
	assert.Equal(t, 2, sig.connectCount())
	assert.NotSame(t, old, sig.transport("P1"))
}

func TestSession_RemoteCloseAndICE(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()

	p1 := openDirect(t, ts, "P1", domain.CandidateHost)
	p1.handler().OnTransportClose()
	ts.sync()

	closes := ts.events.waitFor(t, EventClose, 1)
	assert.False(t, closes[0].(CloseEvent).Local)
	_, ok := ts.Connection("P1")
	assert.False(t, ok)

	p2 := openDirect(t, ts, "P2", domain.CandidateHost)
	p2.handler().OnICEStateChange(domain.ICEStateChecking)
	ts.sync()
	assert.True(t, ts.conn(t, "P2").IsOpen())

	p2.handler().OnICEStateChange(domain.ICEStateDisconnected)
	ts.sync()
	closes = ts.events.waitFor(t, EventClose, 2)
	assert.False(t, closes[1].(CloseEvent).Local)
	assert.True(t, p2.isClosed())
}

func TestSession_DropICEClosesOnChecking(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB", Options: SessionOptions{DropICE: true}}, nil, nil)
	sig := ts.openSignaling()

	ts.Dial("P1", false)
	tr := sig.transport("P1")
	tr.handler().OnICEStateChange(domain.ICEStateChecking)
	ts.sync()

	assert.True(t, tr.isClosed())
	_, ok := ts.Connection("P1")
	assert.False(t, ok)
	assert.Empty(t, ts.events.ofKind(EventClose))
}

func TestSession_IncomingConnection(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)

	tr := newFakeTransport("P9")
	sig.h.OnConnection(tr)
	ts.sync()

	c := ts.conn(t, "P9")
	assert.False(t, c.Initiated())

	// Responders never time out.
	ts.advance(30 * time.Second)
	_, ok := ts.Connection("P9")
	assert.True(t, ok)

	tr.open(domain.CandidateHost)
	ts.sync()
	assert.True(t, c.IsOpen())
	assertStatus(t, ts, domain.StatusReady)
}

func TestSession_BuiltinEvents(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()
	tr := openDirect(t, ts, "P1", domain.CandidateHost)

	tr.receive(`{"event":"ping","ts":42}`)
	ts.sync()
	assert.Equal(t, []string{`{"event":"ping-ack","ts":42}`}, tr.sentPayloads())

	tr.receive(`{"event":"eter:connect","code":"P2"}`)
	ts.sync()
	_, ok := ts.Connection("P2")
	assert.True(t, ok)
	assert.Equal(t, 2, sig.connectCount())

	tr.receive(`{"event":"custom","x":1}`)
	tr.receive(`[1,2,3]`)
	tr.receive(`plain text`)
	ts.sync()

	ts.events.waitFor(t, EventData, 3)
	assert.Equal(t, []string{`{"event":"custom","x":1}`, `[1,2,3]`, `"plain text"`}, ts.events.dataPayloads())
}

func TestSession_PingMeasuresRTT(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()
	tr := openDirect(t, ts, "P1", domain.CandidateHost)

	c := ts.conn(t, "P1")
	require.NoError(t, c.Ping())
	sent := tr.sentPayloads()
	require.Len(t, sent, 1)

	var ping builtinEvent
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &ping))
	assert.Equal(t, eventPing, ping.Event)

	ts.clock.Advance(40 * time.Millisecond)
	tr.receive(mustJSON(t, builtinEvent{Event: eventPingAck, TS: ping.TS}))
	ts.sync()

	assert.Equal(t, 40*time.Millisecond, c.LastRTT())
	assert.Empty(t, ts.events.ofKind(EventData))

	require.NoError(t, ts.Ping("P1"))
	assert.Len(t, tr.sentPayloads(), 2)
	assert.ErrorIs(t, ts.Ping("NOPE"), domain.ErrPeerNotFound)
}

func TestSession_Introduce(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()
	tr := openDirect(t, ts, "P1", domain.CandidateHost)

	require.NoError(t, ts.Introduce("P1", "P2"))
	assert.Equal(t, []string{`{"event":"eter:connect","code":"P2"}`}, tr.sentPayloads())
	assert.ErrorIs(t, ts.Introduce("NOPE", "P2"), domain.ErrPeerNotFound)
}

func TestSession_SendBeforeOpen(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()
	ts.Dial("P1", false)

	c := ts.conn(t, "P1")
	assert.ErrorIs(t, c.Send("x"), domain.ErrNotReady)
	c.Close()
	assert.ErrorIs(t, c.Send("x"), domain.ErrConnectionClosed)
}

func TestSession_ConnectTimeoutFallsBackToTunnel(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)
	tr := sig.transport("SRV")
	require.NotNil(t, tr)

	ts.advance(DefaultConnectTimeout)
	assert.True(t, tr.isClosed())
	keys := sig.sentOfType(domain.MessageKey)
	require.Len(t, keys, 1)
	assert.Equal(t, domain.PeerID("SRV"), keys[0].Dst)

	c := ts.conn(t, "SRV")
	assert.True(t, c.Initiated())
	assert.False(t, c.IsOpen())

	// The tunnel times out too, so the server is dialed again after backoff.
	ts.advance(DefaultConnectTimeout)
	_, ok := ts.Connection("SRV")
	assert.False(t, ok)

	ts.advance(time.Second)
	assert.Equal(t, 2, sig.connectCount())
	_, ok = ts.Connection("SRV")
	assert.True(t, ok)
	assert.Empty(t, ts.events.ofKind(EventClose))
}

func TestSession_ConnectErrorFallsBackToTunnel(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()
	sig.connectErr = errors.New("no webrtc")

	ts.Dial("P1", false)
	assert.Len(t, sig.sentOfType(domain.MessageKey), 1)
	_, ok := ts.Connection("P1")
	assert.True(t, ok)
}

func TestSession_ServerUnreachableExhaustsRetries(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)
	require.Equal(t, 1, sig.connectCount())

	unavailable := &domain.SignalError{Type: domain.SignalErrPeerUnavailable, Peer: "SRV"}
	for i := 0; i < DefaultMaxPeerRetries; i++ {
		sig.h.OnError(unavailable)
		ts.sync()
		ts.advance(8 * time.Second)
		require.Equal(t, i+2, sig.connectCount(), "retry %d", i+1)
	}
	assert.Empty(t, ts.events.ofKind(EventError))

	sig.h.OnError(unavailable)
	ts.sync()

	errs := ts.events.waitFor(t, EventError, 1)
	assert.Equal(t, domain.ErrorPeerNotFound, errs[0].(ErrorEvent).Type)
	assertStatus(t, ts, domain.StatusFailed)

	ts.advance(time.Minute)
	assert.Equal(t, DefaultMaxPeerRetries+1, sig.connectCount())
	assert.Len(t, ts.events.ofKind(EventError), 1)

	ts.Reset()
	assertStatus(t, ts, domain.StatusConnecting)
}

func TestSession_BackoffDelaysPeerRetries(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)
	unavailable := &domain.SignalError{Type: domain.SignalErrPeerUnavailable, Peer: "SRV"}

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		sig.h.OnError(unavailable)
		ts.sync()
		ts.advance(delay - time.Millisecond)
		assert.Equal(t, i+1, sig.connectCount(), "before delay %v", delay)
		ts.advance(time.Millisecond)
		assert.Equal(t, i+2, sig.connectCount(), "after delay %v", delay)
	}
}

func TestSession_PeerUnavailableIgnoredForHub(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()
	ts.Dial("P1", false)

	sig.h.OnError(&domain.SignalError{Type: domain.SignalErrPeerUnavailable, Peer: "P1"})
	ts.advance(8 * time.Second)

	assert.Equal(t, 1, sig.connectCount())
	assert.Empty(t, ts.events.ofKind(EventError))
}

func TestSession_IdentifierInUse(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	inUse := &domain.SignalError{Type: domain.SignalErrUnavailableID}

	for i := 0; i < DefaultMaxIDRetries; i++ {
		ts.signaler().h.OnError(inUse)
		ts.sync()
		ts.advance(8 * time.Second)
		require.Equal(t, i+2, ts.created(), "retry %d", i+1)
	}
	ts.events.waitFor(t, EventRetry, DefaultMaxIDRetries)

	last := ts.signaler()
	ts.Dial("P1", false)
	last.h.OnError(inUse)
	ts.sync()

	errs := ts.events.waitFor(t, EventError, 1)
	assert.Equal(t, domain.ErrorIDInUse, errs[0].(ErrorEvent).Type)
	assert.True(t, last.isDestroyed())
	assertStatus(t, ts, domain.StatusFailed)
	_, ok := ts.Connection("P1")
	assert.False(t, ok)

	ts.advance(time.Minute)
	assert.Equal(t, DefaultMaxIDRetries+1, ts.created())
}

func TestSession_IncompatibleIsTerminal(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.signaler().h.OnError(&domain.SignalError{Type: domain.SignalErrBrowserIncompatible})
	ts.sync()

	errs := ts.events.waitFor(t, EventError, 1)
	assert.Equal(t, domain.ErrorIncompatible, errs[0].(ErrorEvent).Type)
	assertStatus(t, ts, domain.StatusFailed)

	ts.advance(time.Minute)
	assert.Equal(t, 1, ts.created())
}

func TestSession_NetworkErrorReconnects(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	sig.h.OnError(&domain.SignalError{Type: domain.SignalErrNetwork})
	ts.sync()
	ts.advance(time.Second)
	assert.Equal(t, 1, sig.reconnects)
	assert.Equal(t, 1, ts.created())
	assert.Empty(t, ts.events.ofKind(EventError))
}

func TestSession_DisconnectClosesTunnelsAndReconnects(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()
	direct := openDirect(t, ts, "P1", domain.CandidateHost)
	ts.Dial("P2", true)

	sig.h.OnDisconnected()
	ts.sync()

	_, ok := ts.Connection("P2")
	assert.False(t, ok)
	assert.False(t, direct.isClosed())

	ts.advance(time.Second)
	assert.Equal(t, 1, sig.reconnects)
}

func TestSession_ServerRedialKeepsSignalingReconnect(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV"}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)
	require.Equal(t, 1, sig.connectCount())

	// The link drops shortly before the direct attempt times out.
	ts.advance(DefaultConnectTimeout - 500*time.Millisecond)
	sig.h.OnDisconnected()
	ts.sync()

	// Direct times out and the tunnel fallback waits for the link.
	ts.advance(500 * time.Millisecond)
	require.True(t, sig.transport("SRV").isClosed())
	ts.advance(500 * time.Millisecond)
	require.Equal(t, 1, sig.reconnects)

	// A second reconnect is due at +2s; the tunnel gives up at +1s and
	// schedules a server re-dial for the same moment.
	ts.advance(DefaultConnectTimeout - 1500*time.Millisecond)
	sig.h.OnError(&domain.SignalError{Type: domain.SignalErrNetwork})
	ts.sync()
	ts.advance(time.Second)
	_, ok := ts.Connection("SRV")
	require.False(t, ok)
	var linkPending, redialPending bool
	require.NoError(t, ts.loop.call(func() {
		linkPending, redialPending = ts.linkRetry.pending(), ts.peerRedial.pending()
	}))
	assert.True(t, linkPending)
	assert.True(t, redialPending)

	ts.advance(time.Second)
	assert.Equal(t, 2, sig.reconnects)
	_, ok = ts.Connection("SRV")
	assert.True(t, ok)
	assert.Equal(t, 1, sig.connectCount())

	sig.accept()
	ts.sync()
	assert.Equal(t, 2, sig.connectCount())
	assert.Empty(t, ts.events.ofKind(EventError))
}

func TestSession_DialDeferredWithoutSignaler(t *testing.T) {
	relay := newFakeRelay()
	relay.failNext = 1
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, relay, nil)
	require.Equal(t, 0, ts.created())

	ts.Dial("P1", false)
	_, ok := ts.Connection("P1")
	assert.False(t, ok)

	ts.advance(time.Second)
	require.Equal(t, 1, ts.created())
	sig := ts.openSignaling()
	assert.Equal(t, 1, sig.connectCount())
	_, ok = ts.Connection("P1")
	assert.True(t, ok)
}

func TestSession_SignalRetriesBounded(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB", MaxSignalRetries: 2}, nil, nil)
	sig := ts.openSignaling()
	ts.visible.set(false)

	for i := 0; i < 2; i++ {
		sig.h.OnError(&domain.SignalError{Type: domain.SignalErrServer})
		ts.sync()
		ts.advance(8 * time.Second)
	}
	assert.Equal(t, 2, sig.reconnects)

	sig.h.OnError(&domain.SignalError{Type: domain.SignalErrServer})
	ts.sync()
	errs := ts.events.waitFor(t, EventError, 1)
	assert.Equal(t, domain.ErrorSignalingUnavailable, errs[0].(ErrorEvent).Type)
	assert.True(t, sig.isDestroyed())
}

func TestSession_UnclassifiedErrorResets(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	first := ts.openSignaling()

	first.h.OnError(&domain.SignalError{Type: domain.SignalErrInvalidKey})
	ts.sync()
	assert.Equal(t, 1, ts.created())

	ts.advance(time.Second)
	assert.Equal(t, 2, ts.created())
	assert.True(t, first.isDestroyed())
	ts.events.waitFor(t, EventRetry, 1)

	// Callbacks from the replaced signaler are ignored.
	first.h.OnError(&domain.SignalError{Type: domain.SignalErrBrowserIncompatible})
	ts.sync()
	assertStatus(t, ts, domain.StatusConnecting)
}

func TestSession_HeartbeatTimeoutResets(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	first := ts.openSignaling()
	openDirect(t, ts, "P1", domain.CandidateHost)

	ts.advance(9 * time.Second)
	first.h.OnMessage(domain.SignalMessage{Type: domain.MessageHeartbeat})
	ts.sync()
	ts.advance(9 * time.Second)
	assert.Equal(t, 1, ts.created())

	ts.advance(time.Second)
	assert.Equal(t, 2, ts.created())
	assert.True(t, first.isDestroyed())
	ts.events.waitFor(t, EventRetry, 1)
	ts.events.waitFor(t, EventClose, 1)
	assertStatus(t, ts, domain.StatusConnecting)

	ts.openSignaling()
	ts.events.waitFor(t, EventOpen, 2)
}

func TestSession_HeartbeatTimeoutWhileHidden(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	ts.openSignaling()
	ts.visible.set(false)

	ts.advance(DefaultHeartbeatTimeout)
	ts.advance(DefaultHeartbeatTimeout)
	assert.Equal(t, 1, ts.created())

	ts.visible.set(true)
	ts.advance(DefaultHeartbeatTimeout)
	assert.Equal(t, 2, ts.created())
}

func TestSession_ResetKeepsCounters(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "SRV", MaxPeerRetries: 1}, nil, nil)
	sig := ts.openSignaling()
	unavailable := &domain.SignalError{Type: domain.SignalErrPeerUnavailable, Peer: "SRV"}

	sig.h.OnError(unavailable)
	ts.sync()

	ts.Reset()
	sig = ts.openSignaling()
	sig.h.OnError(unavailable)
	ts.sync()

	errs := ts.events.waitFor(t, EventError, 1)
	assert.Equal(t, domain.ErrorPeerNotFound, errs[0].(ErrorEvent).Type)
}

func TestSession_TunnelQueueDrainsInOrder(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	sig := ts.openSignaling()

	ts.Dial("P1", true)
	keys := sig.sentOfType(domain.MessageKey)
	require.Len(t, keys, 1)
	var local string
	require.NoError(t, json.Unmarshal(keys[0].Payload, &local))

	remote, err := cryptochannel.GenerateKeyPair()
	require.NoError(t, err)
	cipher, err := remote.Derive(local)
	require.NoError(t, err)

	c := ts.conn(t, "P1")
	assert.ErrorIs(t, c.Send("early"), domain.ErrNotReady)

	deliver := func(cipher *cryptochannel.Cipher, body string) {
		env, err := cipher.Seal([]byte(body))
		require.NoError(t, err)
		msg, err := domain.NewSignalMessage(domain.MessageData, "P1", "HUB", env)
		require.NoError(t, err)
		sig.h.OnMessage(msg)
	}
	for i := 1; i <= 3; i++ {
		deliver(cipher, fmt.Sprintf(`{"n":%d}`, i))
	}
	ts.sync()
	assert.False(t, c.IsOpen())

	keyMsg, err := domain.NewSignalMessage(domain.MessageKey, "P1", "HUB", remote.PublicKey())
	require.NoError(t, err)
	sig.h.OnMessage(keyMsg)
	ts.sync()

	assert.True(t, c.IsOpen())
	assert.Equal(t, domain.TierTunnel, c.Tier())
	assert.Equal(t, QualityTunnel, ts.Quality())
	ts.events.waitFor(t, EventData, 3)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, ts.events.dataPayloads())

	// A message sealed under another key is dropped without closing.
	other, err := cryptochannel.GenerateKeyPair()
	require.NoError(t, err)
	wrong, err := other.Derive(remote.PublicKey())
	require.NoError(t, err)
	deliver(wrong, `{"n":99}`)
	deliver(cipher, `{"n":4}`)
	ts.sync()
	ts.events.waitFor(t, EventData, 4)
	assert.Equal(t, `{"n":4}`, ts.events.dataPayloads()[3])
	assert.True(t, c.IsOpen())

	require.NoError(t, c.Send(map[string]string{"reply": "ok"}))
	data := sig.sentOfType(domain.MessageData)
	require.Len(t, data, 1)
	var env cryptochannel.Envelope
	require.NoError(t, json.Unmarshal(data[0].Payload, &env))
	plain, err := cipher.Open(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"ok"}`, string(plain))
}

func TestSession_TunnelBetweenSessions(t *testing.T) {
	relay := newFakeRelay()
	hub := newTestSession(t, SessionConfig{ID: "HUB"}, relay, nil)
	hub.openSignaling()

	cli := newTestSession(t, SessionConfig{ID: "CLI", ServerID: "HUB", Options: SessionOptions{ForceWebsocket: true}}, relay, nil)
	cli.openSignaling()

	require.Eventually(t, func() bool {
		return cli.Status() == domain.StatusReady && hub.Status() == domain.StatusReady
	}, time.Second, time.Millisecond)
	assert.Equal(t, QualityTunnel, cli.Quality())
	assert.Equal(t, QualityTunnel, hub.Quality())
	assert.False(t, hub.conn(t, "CLI").Initiated())

	cli.SendToAll(map[string]string{"from": "cli"})
	hub.events.waitFor(t, EventData, 1)
	assert.Equal(t, []string{`{"from":"cli"}`}, hub.events.dataPayloads())

	hub.SendToAll(map[string]string{"from": "hub"})
	cli.events.waitFor(t, EventData, 1)
	assert.Equal(t, []string{`{"from":"hub"}`}, cli.events.dataPayloads())

	// LEAVE from the relay closes the tunnel.
	hub.signaler().h.OnMessage(domain.SignalMessage{Type: domain.MessageLeave, Src: "CLI"})
	hub.sync()
	closes := hub.events.waitFor(t, EventClose, 1)
	assert.False(t, closes[0].(CloseEvent).Local)
}

func TestSession_UnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestSession(t, SessionConfig{ID: "HUB"}, nil, nil)
	count := 0
	done := make(chan struct{}, 4)
	sub := ts.Subscribe(EventOpen, func(Event) {
		count++
		done <- struct{}{}
	})

	ts.openSignaling()
	<-done
	ts.Unsubscribe(sub)

	ts.Reset()
	ts.openSignaling()
	ts.events.waitFor(t, EventOpen, 2)
	assert.Equal(t, 1, count)
}
