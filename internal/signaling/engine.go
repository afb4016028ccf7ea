package signaling

import (
	"context"
	"strings"

	"github.com/mossy-p/blink-signaling/internal/models"
)

// DescriptionType says whether a session description is an offer or an answer.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is a session description handed to the media engine. SDP is
// opaque and passed through unmodified.
type Description struct {
	Type DescriptionType
	SDP  string
}

// MediaEngine is the peer-connection engine the session drives. Capturing,
// rendering and the transport itself live behind it.
type MediaEngine interface {
	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer produces and applies the local answer to the remote offer
	// set earlier.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, d Description) error
	AddRemoteCandidate(ctx context.Context, c models.Candidate) error
}

// EventSource is implemented by engines that report local candidates and
// connection changes. A Caller wires these to the current session.
type EventSource interface {
	OnLocalCandidate(fn func(models.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
}

// ConnectionState is the transport state reported by the engine.
type ConnectionState int

const (
	ConnectionChecking ConnectionState = iota + 1
	ConnectionConnected
	ConnectionFailed
	ConnectionDisconnected
	ConnectionClosed
)

var connectionStateNames = map[ConnectionState]string{
	ConnectionChecking:     "checking",
	ConnectionConnected:    "connected",
	ConnectionFailed:       "failed",
	ConnectionDisconnected: "disconnected",
	ConnectionClosed:       "closed",
}

func (c ConnectionState) String() string {
	if name, ok := connectionStateNames[c]; ok {
		return name
	}
	return "unknown"
}

// Lost reports whether the connection is gone and the attempt is over.
func (c ConnectionState) Lost() bool {
	return c == ConnectionFailed || c == ConnectionDisconnected || c == ConnectionClosed
}

// ParseConnectionState maps a state name, as reported by browsers, onto a
// ConnectionState. "connecting" and "new" count as checking, "completed" as
// connected.
func ParseConnectionState(s string) (ConnectionState, bool) {
	switch strings.ToLower(s) {
	case "new", "checking", "connecting":
		return ConnectionChecking, true
	case "connected", "completed":
		return ConnectionConnected, true
	case "failed":
		return ConnectionFailed, true
	case "disconnected":
		return ConnectionDisconnected, true
	case "closed":
		return ConnectionClosed, true
	}
	return 0, false
}
