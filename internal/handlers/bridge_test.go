package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/signaling"
)

// outbox collects what a bridge engine sends to its browser.
type outbox chan models.SignalMessage

func (o outbox) send(msg models.SignalMessage) error {
	o <- msg
	return nil
}

func (o outbox) next(t *testing.T) models.SignalMessage {
	t.Helper()
	select {
	case msg := <-o:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return models.SignalMessage{}
	}
}

func TestBridgeCreateOffer(t *testing.T) {
	out := make(outbox, 4)
	engine := newBridgeEngine(out.send)

	result := make(chan string, 1)
	go func() {
		sdp, err := engine.CreateOffer(context.Background())
		assert.NoError(t, err)
		result <- sdp
	}()

	msg := out.next(t)
	assert.Equal(t, models.SignalTypeCreateOffer, msg.Type)
	require.NotEmpty(t, msg.RequestID)
	assert.False(t, engine.resolve("someone-else", "v=0"))
	require.True(t, engine.resolve(msg.RequestID, "v=0 offer"))
	assert.Equal(t, "v=0 offer", <-result)

	assert.False(t, engine.resolve(msg.RequestID, "late"), "a request is answered once")
}

func TestBridgeAnswersStoredOffer(t *testing.T) {
	ctx := context.Background()
	out := make(outbox, 4)
	engine := newBridgeEngine(out.send)

	_, err := engine.CreateAnswer(ctx)
	require.ErrorIs(t, err, errNoRemoteOffer)

	require.NoError(t, engine.SetRemoteDescription(ctx, signaling.Description{Type: signaling.DescriptionOffer, SDP: "remote offer"}))
	assert.Empty(t, out, "an offer waits for CreateAnswer")

	result := make(chan string, 1)
	go func() {
		sdp, err := engine.CreateAnswer(ctx)
		assert.NoError(t, err)
		result <- sdp
	}()

	msg := out.next(t)
	assert.Equal(t, models.SignalTypeOffer, msg.Type)
	assert.Equal(t, "remote offer", msg.SDP)
	require.True(t, engine.resolve(msg.RequestID, "local answer"))
	assert.Equal(t, "local answer", <-result)
}

func TestBridgeForwardsAnswerAndCandidates(t *testing.T) {
	ctx := context.Background()
	out := make(outbox, 4)
	engine := newBridgeEngine(out.send)

	require.NoError(t, engine.SetRemoteDescription(ctx, signaling.Description{Type: signaling.DescriptionAnswer, SDP: "remote answer"}))
	assert.Equal(t, models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "remote answer"}, out.next(t))

	c := models.Candidate{Candidate: "candidate:1", SDPMid: "0"}
	require.NoError(t, engine.AddRemoteCandidate(ctx, c))
	assert.Equal(t, models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &c}, out.next(t))
}

func TestBridgeEvents(t *testing.T) {
	engine := newBridgeEngine(make(outbox, 1).send)

	// Without handlers events are dropped.
	engine.localCandidate(models.Candidate{Candidate: "candidate:0"})
	engine.connectionState(signaling.ConnectionConnected)

	var candidates []models.Candidate
	var states []signaling.ConnectionState
	engine.OnLocalCandidate(func(c models.Candidate) { candidates = append(candidates, c) })
	engine.OnConnectionStateChange(func(s signaling.ConnectionState) { states = append(states, s) })

	engine.localCandidate(models.Candidate{Candidate: "candidate:1"})
	engine.connectionState(signaling.ConnectionFailed)

	assert.Equal(t, []models.Candidate{{Candidate: "candidate:1"}}, candidates)
	assert.Equal(t, []signaling.ConnectionState{signaling.ConnectionFailed}, states)
}

func TestBridgeCloseFailsPendingRequests(t *testing.T) {
	out := make(outbox, 4)
	engine := newBridgeEngine(out.send)

	result := make(chan error, 1)
	go func() {
		_, err := engine.CreateOffer(context.Background())
		result <- err
	}()
	out.next(t)

	require.NoError(t, engine.Close())
	assert.ErrorIs(t, <-result, errParticipantGone)
	require.NoError(t, engine.Close())

	_, err := engine.CreateOffer(context.Background())
	assert.ErrorIs(t, err, errParticipantGone)
}

func TestBridgeRequestHonoursContext(t *testing.T) {
	out := make(outbox, 4)
	engine := newBridgeEngine(out.send)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := engine.CreateOffer(ctx)
		result <- err
	}()
	msg := out.next(t)
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	assert.False(t, engine.resolve(msg.RequestID, "too late"))
}
