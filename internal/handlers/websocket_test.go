package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/signaling"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// browser plays the browser side of the gateway socket: it answers
// description requests the way a peer connection would and keeps every other
// message for the test.
type browser struct {
	name string
	conn *websocket.Conn

	writeMu  sync.Mutex
	messages chan models.SignalMessage
}

func dialBrowser(t *testing.T, srv *httptest.Server, name, token string) *browser {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/blink?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	b := &browser{name: name, conn: conn, messages: make(chan models.SignalMessage, 64)}
	go b.read()
	t.Cleanup(func() { b.conn.Close() })
	return b
}

func (b *browser) read() {
	defer close(b.messages)
	for {
		var msg models.SignalMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case models.SignalTypeCreateOffer:
			_ = b.write(models.SignalMessage{Type: models.SignalTypeDescription, RequestID: msg.RequestID, SDP: "offer-" + b.name})
		case models.SignalTypeOffer:
			_ = b.write(models.SignalMessage{Type: models.SignalTypeDescription, RequestID: msg.RequestID, SDP: "answer-" + b.name})
		}
		b.messages <- msg
	}
}

func (b *browser) write(msg models.SignalMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

// await returns the first message matching fn, skipping the others.
func (b *browser) await(t *testing.T, what string, fn func(models.SignalMessage) bool) models.SignalMessage {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg, ok := <-b.messages:
			require.True(t, ok, "%s: socket closed while waiting for %s", b.name, what)
			if fn(msg) {
				return msg
			}
		case <-timeout:
			t.Fatalf("%s: no %s", b.name, what)
		}
	}
}

func (b *browser) awaitState(t *testing.T, st signaling.State) models.SignalMessage {
	t.Helper()
	return b.await(t, "state "+st.String(), func(msg models.SignalMessage) bool {
		return msg.Type == models.SignalTypeState && msg.State == st.String()
	})
}

func (b *browser) awaitType(t *testing.T, typ models.SignalType) models.SignalMessage {
	t.Helper()
	return b.await(t, string(typ), func(msg models.SignalMessage) bool { return msg.Type == typ })
}

func TestGatewayRequiresToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/blink"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGatewayPairsTwoBrowsers(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dialBrowser(t, srv, "alice", s.token(t, "alice"))
	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeBlink}))

	role := alice.awaitType(t, models.SignalTypeRole)
	assert.Equal(t, models.RoleInitiator.String(), role.Role)
	roomID := role.RoomID
	require.NotEmpty(t, roomID)
	alice.awaitState(t, signaling.StateAwaitingRemoteDescription)

	bob := dialBrowser(t, srv, "bob", s.token(t, "bob"))
	require.Eventually(t, func() bool {
		n, err := s.presence.Count(context.Background())
		return err == nil && n == 2
	}, waitFor, tick)
	require.NoError(t, bob.write(models.SignalMessage{Type: models.SignalTypeBlink}))

	role = bob.awaitType(t, models.SignalTypeRole)
	assert.Equal(t, models.RoleResponder.String(), role.Role)
	assert.Equal(t, roomID, role.RoomID)

	offer := bob.awaitType(t, models.SignalTypeOffer)
	assert.Equal(t, "offer-alice", offer.SDP)
	flowing := bob.awaitState(t, signaling.StateCandidatesFlowing)
	assert.Equal(t, "alice", flowing.PeerID)

	answer := alice.awaitType(t, models.SignalTypeAnswer)
	assert.Equal(t, "answer-bob", answer.SDP)
	flowing = alice.awaitState(t, signaling.StateCandidatesFlowing)
	assert.Equal(t, "bob", flowing.PeerID)

	fromAlice := models.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"}
	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &fromAlice}))
	got := bob.awaitType(t, models.SignalTypeCandidate)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, fromAlice, *got.Candidate)

	fromBob := models.Candidate{Candidate: "candidate:2 1 udp 1 10.0.0.2 5001 typ host", SDPMid: "0"}
	require.NoError(t, bob.write(models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &fromBob}))
	got = alice.awaitType(t, models.SignalTypeCandidate)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, fromBob, *got.Candidate)

	alice.conn.Close()
	bob.conn.Close()
	require.Eventually(t, func() bool { return s.store.Len() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		n, err := s.presence.Count(context.Background())
		return err == nil && n == 0
	}, waitFor, tick)
}

func TestGatewayLeaveEndsSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dialBrowser(t, srv, "alice", s.token(t, "alice"))
	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeBlink}))
	alice.awaitState(t, signaling.StateAwaitingRemoteDescription)
	require.Equal(t, 2, s.store.Len())

	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeLeave}))
	alice.awaitState(t, signaling.StateClosed)
	assert.Equal(t, 0, s.store.Len())
}

func TestGatewayRenegotiatesOnConnectionLoss(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dialBrowser(t, srv, "alice", s.token(t, "alice"))
	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeBlink}))
	first := alice.awaitType(t, models.SignalTypeRole)
	alice.awaitState(t, signaling.StateAwaitingRemoteDescription)

	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeConnectionState, State: "failed"}))
	alice.awaitState(t, signaling.StateClosed)

	second := alice.awaitType(t, models.SignalTypeRole)
	assert.Equal(t, models.RoleInitiator.String(), second.Role)
	assert.NotEqual(t, first.RoomID, second.RoomID)
}

func TestGatewayRejectsUnknownMessages(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dialBrowser(t, srv, "alice", s.token(t, "alice"))
	require.NoError(t, alice.write(models.SignalMessage{Type: "dance"}))
	msg := alice.awaitType(t, models.SignalTypeError)
	assert.Equal(t, "unknown message type", msg.Error)
}

func TestGatewayCloseEndsSessions(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dialBrowser(t, srv, "alice", s.token(t, "alice"))
	require.NoError(t, alice.write(models.SignalMessage{Type: models.SignalTypeBlink}))
	alice.awaitState(t, signaling.StateAwaitingRemoteDescription)
	require.Equal(t, 2, s.store.Len())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.gateway.Close(ctx))
	assert.Equal(t, 0, s.store.Len(), "room and waiting slot are gone")

	// The socket is dropped by the server.
	timeout := time.After(waitFor)
	for open := true; open; {
		select {
		case _, open = <-alice.messages:
		case <-timeout:
			t.Fatal("socket still open after close")
		}
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/blink?token=" + s.token(t, "bob")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)

	require.Eventually(t, func() bool {
		n, err := s.presence.Count(context.Background())
		return err == nil && n == 0
	}, waitFor, tick)
}
