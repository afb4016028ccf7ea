package models

// SignalType represents the type of a gateway WebSocket message
type SignalType string

const (
	// Client to server.
	SignalTypeBlink           SignalType = "blink"
	SignalTypeDescription     SignalType = "description"
	SignalTypeConnectionState SignalType = "connection-state"
	SignalTypeLeave           SignalType = "leave"

	// Server to client.
	SignalTypeRole        SignalType = "role"
	SignalTypeCreateOffer SignalType = "create-offer"
	SignalTypeOffer       SignalType = "offer"
	SignalTypeAnswer      SignalType = "answer"
	SignalTypeState       SignalType = "state"
	SignalTypePeerLeft    SignalType = "peer-left"
	SignalTypeError       SignalType = "error"

	// Both directions.
	SignalTypeCandidate SignalType = "candidate"
)

// SignalMessage is the JSON envelope exchanged with a browser participant.
type SignalMessage struct {
	Type      SignalType `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Role      string     `json:"role,omitempty"`
	RoomID    string     `json:"roomId,omitempty"`
	PeerID    string     `json:"peerId,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	State     string     `json:"state,omitempty"`
	Error     string     `json:"error,omitempty"`
}
