package models

// Role is the side a participant plays in one call attempt.
type Role int

const (
	// RoleUnknown is the zero value before the rendezvous is resolved.
	RoleUnknown Role = iota
	// RoleInitiator created the room and publishes the offer.
	RoleInitiator
	// RoleResponder claimed a waiting room and publishes the answer.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// WaitingSlot points at the one room currently looking for a peer.
type WaitingSlot struct {
	RoomID string `json:"roomId"`
}

// Offer is the initiator's session description.
type Offer struct {
	SDP     string `json:"sdp"`
	OwnerID string `json:"ownerId"`
}

// Answer is the responder's session description.
type Answer struct {
	SDP         string `json:"sdp"`
	ResponderID string `json:"responderId"`
}

// Room is the rendezvous document shared by both participants. Answer is nil
// until the responder publishes it, and is written only once.
type Room struct {
	ID     string  `json:"id"`
	Offer  Offer   `json:"offer"`
	Answer *Answer `json:"answer,omitempty"`
}

// Candidate is one connectivity candidate, passed through unmodified.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// RoomSummary is what the HTTP API exposes about a room.
type RoomSummary struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Answered    bool   `json:"answered"`
	ResponderID string `json:"responderId,omitempty"`
	Waiting     bool   `json:"waiting"`
}

// Stats is the response of the stats endpoint.
type Stats struct {
	ConnectedUsers int64 `json:"connectedUsers"`
	RoomWaiting    bool  `json:"roomWaiting"`
}

// AnonymousTokenResponse carries the token of a fresh anonymous participant.
type AnonymousTokenResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
	ExpiresIn     int64  `json:"expiresIn"`
}
