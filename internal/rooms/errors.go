package rooms

import (
	"errors"
	"fmt"

	"github.com/mossy-p/blink-signaling/internal/store"
)

var (
	// ErrRoomNotFound means the room was deleted, usually because its owner
	// gave up before a peer arrived.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMalformedCandidate marks a bucket entry missing required fields.
	ErrMalformedCandidate = errors.New("malformed candidate")
	// ErrAnswerExists is returned when a room already carries an answer.
	ErrAnswerExists = fmt.Errorf("answer already published: %w", store.ErrConflict)
)
