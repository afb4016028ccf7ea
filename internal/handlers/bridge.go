package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/signaling"
)

// descriptionTimeout bounds how long the browser may take to produce a
// session description.
const descriptionTimeout = 30 * time.Second

var (
	errParticipantGone = errors.New("participant disconnected")
	errNoRemoteOffer   = errors.New("no remote offer to answer")
)

// bridgeEngine is the media engine of a browser participant. The browser owns
// the real peer connection; every engine call becomes a message on its socket
// and descriptions come back as replies.
type bridgeEngine struct {
	send func(models.SignalMessage) error

	mu          sync.Mutex
	remoteOffer string
	pending     map[string]chan string
	closed      bool
	onCandidate func(models.Candidate)
	onState     func(signaling.ConnectionState)
}

var (
	_ signaling.MediaEngine = (*bridgeEngine)(nil)
	_ signaling.EventSource = (*bridgeEngine)(nil)
)

func newBridgeEngine(send func(models.SignalMessage) error) *bridgeEngine {
	return &bridgeEngine{send: send, pending: make(map[string]chan string)}
}

// request sends msg and waits for the description carrying the same request id.
func (e *bridgeEngine) request(ctx context.Context, msg models.SignalMessage) (string, error) {
	id := uuid.NewString()
	reply := make(chan string, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errParticipantGone
	}
	e.pending[id] = reply
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	msg.RequestID = id
	if err := e.send(msg); err != nil {
		return "", err
	}

	timer := time.NewTimer(descriptionTimeout)
	defer timer.Stop()
	select {
	case sdp, ok := <-reply:
		if !ok {
			return "", errParticipantGone
		}
		return sdp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("no %s reply within %s", msg.Type, descriptionTimeout)
	}
}

// resolve delivers a description reply. It reports false for unknown ids.
func (e *bridgeEngine) resolve(requestID, sdp string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	reply, ok := e.pending[requestID]
	if !ok {
		return false
	}
	delete(e.pending, requestID)
	reply <- sdp
	return true
}

func (e *bridgeEngine) CreateOffer(ctx context.Context) (string, error) {
	return e.request(ctx, models.SignalMessage{Type: models.SignalTypeCreateOffer})
}

func (e *bridgeEngine) CreateAnswer(ctx context.Context) (string, error) {
	e.mu.Lock()
	offer := e.remoteOffer
	e.mu.Unlock()
	if offer == "" {
		return "", errNoRemoteOffer
	}
	return e.request(ctx, models.SignalMessage{Type: models.SignalTypeOffer, SDP: offer})
}

// SetRemoteDescription keeps an offer until CreateAnswer asks the browser to
// answer it; an answer is forwarded right away.
func (e *bridgeEngine) SetRemoteDescription(_ context.Context, d signaling.Description) error {
	if d.Type == signaling.DescriptionOffer {
		e.mu.Lock()
		e.remoteOffer = d.SDP
		e.mu.Unlock()
		return nil
	}
	return e.send(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: d.SDP})
}

func (e *bridgeEngine) AddRemoteCandidate(_ context.Context, c models.Candidate) error {
	return e.send(models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &c})
}

func (e *bridgeEngine) OnLocalCandidate(fn func(models.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *bridgeEngine) OnConnectionStateChange(fn func(signaling.ConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

func (e *bridgeEngine) localCandidate(c models.Candidate) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *bridgeEngine) connectionState(s signaling.ConnectionState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Close fails every outstanding request.
func (e *bridgeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for id, reply := range e.pending {
		close(reply)
		delete(e.pending, id)
	}
	return nil
}
