package signaling

import "errors"

// State is the lifecycle of one call attempt.
type State int

const (
	StateIdle State = iota
	StateRoleResolved
	StateAwaitingRemoteDescription
	StateCandidatesFlowing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoleResolved:
		return "role-resolved"
	case StateAwaitingRemoteDescription:
		return "awaiting-remote-description"
	case StateCandidatesFlowing:
		return "candidates-flowing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrPeerLeft is returned when the initiator deleted its room before the
	// responder could answer.
	ErrPeerLeft = errors.New("peer left before connecting")
	// ErrSessionClosed is returned by operations on an ended session.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyStarted is returned by a second Begin.
	ErrAlreadyStarted = errors.New("session already started")
)

// Policy holds the caller-level decisions the core does not hard-wire.
type Policy struct {
	// AutoRenegotiateOnFailure ends the session when the connection is lost
	// and asks the caller to start a new one.
	AutoRenegotiateOnFailure bool
}
