// Package signaling drives one participant through a call attempt: resolve
// the rendezvous role, exchange offer and answer, then trickle candidates in
// both directions until the attempt ends.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/matcher"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// Hooks are optional callbacks into the owner of a session. They run on the
// goroutine that caused the event and must not block.
type Hooks struct {
	OnStateChange func(State)
	// OnError receives failures that happen after Begin returned, inside
	// watch callbacks. Errors of Begin itself are only returned.
	OnError          func(error)
	OnConnectionLost func(ConnectionState)
	// OnRenegotiate is called after the session ended itself because the
	// connection was lost and the policy asks for a new attempt.
	OnRenegotiate func()
}

// Options configures a Session.
type Options struct {
	Policy          Policy
	Hooks           Hooks
	Logger          *pterm.Logger
	ConflictRetries int
}

// Session is one call attempt. It is never reused once closed.
type Session struct {
	rooms   *rooms.Adapter
	matcher *matcher.Matcher
	engine  MediaEngine
	policy  Policy
	hooks   Hooks
	log     *pterm.Logger

	// ctx bounds work started from watch callbacks; cancelled by End.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	started        bool
	role           models.Role
	roomID         string
	peerID         string
	answerWatch    store.Subscription
	candidateWatch store.Subscription
	observing      bool
	renegotiating  bool
}

// NewSession returns an idle session for the participant behind r.
func NewSession(r *rooms.Adapter, engine MediaEngine, opts Options) *Session {
	log := logging.OrDefault(opts.Logger)
	m := matcher.New(r, log)
	if opts.ConflictRetries > 0 {
		m.ConflictRetries = opts.ConflictRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		rooms:   r,
		matcher: m,
		engine:  engine,
		policy:  opts.Policy,
		hooks:   opts.Hooks,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current state, so callers can apply their own timeouts.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the resolved role, or RoleUnknown before Begin resolved it.
func (s *Session) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RoomID returns the room of this attempt, if any.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// PeerID returns the other participant once known.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// ParticipantID returns our own id.
func (s *Session) ParticipantID() string {
	return s.rooms.ParticipantID()
}

// transition must be called with mu held. It returns the hook call to run
// after unlocking.
func (s *Session) transition(to State) func() {
	if s.state == to {
		return func() {}
	}
	s.log.Debug("session state", s.log.Args("participant", s.rooms.ParticipantID(), "from", s.state, "to", to))
	s.state = to
	return func() {
		if s.hooks.OnStateChange != nil {
			s.hooks.OnStateChange(to)
		}
	}
}

func (s *Session) report(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// Begin resolves the role and starts the exchange. For an initiator it returns
// once the answer watch is registered; for a responder once the answer is
// published. The rest arrives asynchronously through watches.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	claim, err := s.matcher.ResolveRole(ctx, s.produceOffer)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("resolve role: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.cleanup(ctx, claim.Role, claim.RoomID)
		return ErrSessionClosed
	}
	s.role = claim.Role
	s.roomID = claim.RoomID
	notify := s.transition(StateRoleResolved)
	s.mu.Unlock()
	notify()

	s.log.Info("role resolved", s.log.Args("participant", s.rooms.ParticipantID(), "role", claim.Role, "room", claim.RoomID))

	if claim.Role == models.RoleInitiator {
		return s.observeRemoteDescription(ctx)
	}
	return s.respond(ctx, claim.Offer)
}

func (s *Session) produceOffer(ctx context.Context) (string, error) {
	return s.produceLocalDescription(ctx, models.RoleInitiator)
}

// produceLocalDescription asks the engine for the local offer (initiator) or
// answer (responder).
func (s *Session) produceLocalDescription(ctx context.Context, role models.Role) (string, error) {
	if role == models.RoleResponder {
		sdp, err := s.engine.CreateAnswer(ctx)
		if err != nil {
			return "", fmt.Errorf("create answer: %w", err)
		}
		return sdp, nil
	}
	sdp, err := s.engine.CreateOffer(ctx)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return sdp, nil
}

// observeRemoteDescription is the initiator side: wait for the responder's
// answer on the room document.
func (s *Session) observeRemoteDescription(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	roomID := s.roomID
	notify := s.transition(StateAwaitingRemoteDescription)
	s.mu.Unlock()
	notify()

	sub, err := s.rooms.WatchAnswer(ctx, roomID, s.onAnswer)
	if err != nil {
		s.fail(ctx, err)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sub.Cancel()
		return ErrSessionClosed
	}
	s.answerWatch = sub
	s.mu.Unlock()
	return nil
}

func (s *Session) onAnswer(answer models.Answer) {
	s.mu.Lock()
	if s.state != StateAwaitingRemoteDescription {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.engine.SetRemoteDescription(s.ctx, Description{Type: DescriptionAnswer, SDP: answer.SDP})
	if err != nil {
		err = fmt.Errorf("set remote answer: %w", err)
		s.fail(s.ctx, err)
		s.report(err)
		return
	}
	s.enterCandidatesFlowing(answer.ResponderID)
}

// respond is the responder side: answer the offer read while claiming.
func (s *Session) respond(ctx context.Context, offer models.Offer) error {
	if err := s.engine.SetRemoteDescription(ctx, Description{Type: DescriptionOffer, SDP: offer.SDP}); err != nil {
		err = fmt.Errorf("set remote offer: %w", err)
		s.fail(ctx, err)
		return err
	}
	sdp, err := s.produceLocalDescription(ctx, models.RoleResponder)
	if err != nil {
		s.fail(ctx, err)
		return err
	}

	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()

	ownerID, err := s.rooms.PublishAnswer(ctx, roomID, sdp)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		s.peerLeft()
		return ErrPeerLeft
	case err != nil:
		s.fail(ctx, err)
		return err
	}
	s.enterCandidatesFlowing(ownerID)
	return nil
}

// peerLeft returns a responder whose room vanished to Idle.
func (s *Session) peerLeft() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.role = models.RoleUnknown
	s.roomID = ""
	s.started = false
	notify := s.transition(StateIdle)
	s.mu.Unlock()

	s.log.Info("peer left before connecting", s.log.Args("participant", s.rooms.ParticipantID(), "room", roomID))
	notify()
}

func (s *Session) enterCandidatesFlowing(peerID string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.peerID = peerID
	notify := s.transition(StateCandidatesFlowing)
	s.mu.Unlock()
	notify()

	s.observeCandidates()
}

// observeCandidates subscribes to the peer's bucket. Only the first call has
// an effect.
func (s *Session) observeCandidates() {
	s.mu.Lock()
	if s.observing || s.state != StateCandidatesFlowing {
		s.mu.Unlock()
		return
	}
	s.observing = true
	peerID := s.peerID
	s.mu.Unlock()

	sub, err := s.rooms.WatchCandidates(s.ctx, peerID, s.onRemoteCandidate)
	if err != nil {
		s.log.Error("cannot watch peer candidates", s.log.Args("peer", peerID, "error", err))
		s.report(err)
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.candidateWatch = sub
	s.mu.Unlock()
}

func (s *Session) onRemoteCandidate(c models.Candidate) {
	if s.State() == StateClosed {
		return
	}
	if err := s.engine.AddRemoteCandidate(s.ctx, c); err != nil {
		s.log.Warn("remote candidate rejected", s.log.Args("sdpMid", c.SDPMid, "error", err))
	}
}

// SendCandidate publishes a locally discovered candidate to our own bucket.
// It is accepted in every state but Closed. A failed write is logged and
// returned, the session itself carries on.
func (s *Session) SendCandidate(ctx context.Context, c models.Candidate) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if err := s.rooms.AppendCandidate(ctx, s.rooms.ParticipantID(), c); err != nil {
		s.log.Warn("local candidate dropped", s.log.Args("error", err))
		return err
	}
	return nil
}

// HandleConnectionState receives transport state changes from the engine.
func (s *Session) HandleConnectionState(cs ConnectionState) {
	s.log.Debug("connection state", s.log.Args("participant", s.rooms.ParticipantID(), "state", cs))
	if !cs.Lost() {
		return
	}

	s.mu.Lock()
	if s.state == StateClosed || s.renegotiating {
		s.mu.Unlock()
		return
	}
	renegotiate := s.policy.AutoRenegotiateOnFailure
	s.renegotiating = renegotiate
	s.mu.Unlock()

	if s.hooks.OnConnectionLost != nil {
		s.hooks.OnConnectionLost(cs)
	}
	if !renegotiate {
		return
	}
	go func() {
		_ = s.End(context.Background())
		if s.hooks.OnRenegotiate != nil {
			s.hooks.OnRenegotiate()
		}
	}()
}

// fail ends the attempt after an unrecoverable error.
func (s *Session) fail(ctx context.Context, err error) {
	s.log.Error("signaling failed", s.log.Args("participant", s.rooms.ParticipantID(), "error", err))
	_ = s.End(context.WithoutCancel(ctx))
}

// End tears the attempt down. Watches are cancelled before any document is
// deleted. Cleanup is best-effort: failures are logged and End still
// succeeds. Calling End again is a no-op.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	role, roomID := s.role, s.roomID
	watches := []store.Subscription{s.answerWatch, s.candidateWatch}
	s.answerWatch, s.candidateWatch = nil, nil
	notify := s.transition(StateClosed)
	s.mu.Unlock()

	for _, w := range watches {
		if w != nil {
			w.Cancel()
		}
	}
	s.cancel()

	s.cleanup(ctx, role, roomID)
	notify()
	return nil
}

func (s *Session) cleanup(ctx context.Context, role models.Role, roomID string) {
	self := s.rooms.ParticipantID()
	if err := s.rooms.DeleteCandidateBucket(ctx, self); err != nil {
		s.log.Warn("cleanup: candidates not deleted", s.log.Args("participant", self, "error", err))
	}
	if roomID == "" {
		return
	}
	if role == models.RoleInitiator {
		if _, err := s.rooms.ReleaseWaitingSlotIfPointsTo(ctx, roomID); err != nil {
			s.log.Warn("cleanup: waiting slot not released", s.log.Args("room", roomID, "error", err))
		}
	}
	if err := s.rooms.DeleteRoom(ctx, roomID); err != nil {
		s.log.Warn("cleanup: room not deleted", s.log.Args("room", roomID, "error", err))
	}
}
