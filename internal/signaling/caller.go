package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// maxPeerLeftRetries bounds how often Blink starts over in one call because
// the claimed initiator went away.
const maxPeerLeftRetries = 3

// EngineFactory builds the media engine for a new session. Engines that
// implement io.Closer are closed when their session is replaced.
type EngineFactory func(ctx context.Context) (MediaEngine, error)

// CallerOptions configures a Caller.
type CallerOptions struct {
	Policy Policy
	// AnswerTimeout abandons a session that waited this long for an answer
	// and blinks again. Zero waits forever.
	AnswerTimeout   time.Duration
	ConflictRetries int
	Logger          *pterm.Logger
	RoomOptions     []rooms.Option

	OnState func(*Session, State)
	OnError func(error)
}

// Caller owns a participant identity and the sequence of sessions it goes
// through. Each Blink replaces the current session with a fresh one.
type Caller struct {
	rooms     *rooms.Adapter
	newEngine EngineFactory
	opts      CallerOptions
	log       *pterm.Logger

	// blinkMu serializes Blink so two renegotiations never interleave.
	blinkMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	session *Session
	engine  MediaEngine
	timer   *time.Timer
	closed  bool
}

// NewCaller returns a caller for participantID. No session exists until the
// first Blink.
func NewCaller(s store.Store, participantID string, newEngine EngineFactory, opts CallerOptions) *Caller {
	log := logging.OrDefault(opts.Logger)
	roomOpts := append([]rooms.Option{rooms.WithLogger(log)}, opts.RoomOptions...)
	return &Caller{
		rooms:     rooms.New(s, participantID, roomOpts...),
		newEngine: newEngine,
		opts:      opts,
		log:       log,
	}
}

// ParticipantID returns the caller's identity.
func (c *Caller) ParticipantID() string {
	return c.rooms.ParticipantID()
}

// Rooms returns the adapter the caller's sessions use.
func (c *Caller) Rooms() *rooms.Adapter {
	return c.rooms
}

// Current returns the live session, or nil.
func (c *Caller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Blink ends the current session, if any, and begins a new one. With the
// auto-renegotiate policy a responder whose peer left starts over by itself.
func (c *Caller) Blink(ctx context.Context) error {
	c.blinkMu.Lock()
	defer c.blinkMu.Unlock()

	for attempt := 0; ; attempt++ {
		err := c.blinkOnce(ctx)
		if !errors.Is(err, ErrPeerLeft) || !c.opts.Policy.AutoRenegotiateOnFailure || attempt >= maxPeerLeftRetries {
			return err
		}
		c.log.Info("peer left, blinking again", c.log.Args("participant", c.ParticipantID(), "attempt", attempt+1))
	}
}

func (c *Caller) blinkOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.gen++
	gen := c.gen
	prev, prevEngine := c.session, c.engine
	c.session, c.engine = nil, nil
	c.stopTimerLocked()
	c.mu.Unlock()

	c.retire(ctx, prev, prevEngine)

	engine, err := c.newEngine(ctx)
	if err != nil {
		return fmt.Errorf("create media engine: %w", err)
	}

	var session *Session
	session = NewSession(c.rooms, engine, Options{
		Policy:          c.opts.Policy,
		Logger:          c.log,
		ConflictRetries: c.opts.ConflictRetries,
		Hooks: Hooks{
			OnStateChange: func(st State) { c.stateChanged(gen, session, st) },
			OnError:       c.report,
			OnRenegotiate: func() { c.renegotiate(gen) },
		},
	})
	if events, ok := engine.(EventSource); ok {
		events.OnLocalCandidate(func(cand models.Candidate) {
			_ = session.SendCandidate(context.Background(), cand)
		})
		events.OnConnectionStateChange(session.HandleConnectionState)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		closeEngine(engine)
		return ErrSessionClosed
	}
	c.session, c.engine = session, engine
	c.mu.Unlock()

	if err := session.Begin(ctx); err != nil {
		if errors.Is(err, ErrPeerLeft) {
			_ = session.End(context.WithoutCancel(ctx))
		}
		return err
	}
	return nil
}

func (c *Caller) retire(ctx context.Context, s *Session, engine MediaEngine) {
	if s != nil {
		_ = s.End(context.WithoutCancel(ctx))
	}
	closeEngine(engine)
}

func closeEngine(engine MediaEngine) {
	if closer, ok := engine.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (c *Caller) stateChanged(gen uint64, s *Session, st State) {
	if st == StateAwaitingRemoteDescription && c.opts.AnswerTimeout > 0 {
		c.mu.Lock()
		if gen == c.gen && !c.closed {
			c.stopTimerLocked()
			c.timer = time.AfterFunc(c.opts.AnswerTimeout, func() { c.answerTimedOut(gen, s) })
		}
		c.mu.Unlock()
	}
	if c.opts.OnState != nil {
		c.opts.OnState(s, st)
	}
}

func (c *Caller) answerTimedOut(gen uint64, s *Session) {
	if s.State() != StateAwaitingRemoteDescription || !c.current(gen) {
		return
	}
	c.log.Info("no answer in time, blinking again", c.log.Args("room", s.RoomID(), "timeout", c.opts.AnswerTimeout))
	if err := c.Blink(context.Background()); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.report(err)
	}
}

func (c *Caller) renegotiate(gen uint64) {
	if !c.current(gen) {
		return
	}
	if err := c.Blink(context.Background()); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.report(err)
	}
}

func (c *Caller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.closed
}

func (c *Caller) report(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// stopTimerLocked must be called with mu held.
func (c *Caller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close ends the current session for good. Later Blinks fail with
// ErrSessionClosed.
func (c *Caller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s, engine := c.session, c.engine
	c.session, c.engine = nil, nil
	c.stopTimerLocked()
	c.mu.Unlock()

	c.retire(ctx, s, engine)
	return nil
}
