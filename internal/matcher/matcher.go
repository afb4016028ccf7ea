// Package matcher decides whether a participant initiates or responds.
//
// The store transaction inside rooms.Adapter is the only arbiter: two
// participants racing for the slot are told apart by the store, never by a
// lock in this process.
package matcher

import (
	"context"
	"errors"

	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
)

const (
	// DefaultConflictRetries is how often a lost transaction is retried.
	DefaultConflictRetries = 1
	// maxStaleSlots bounds how many dead rooms are skipped in one resolution.
	maxStaleSlots = 3
)

// Matcher resolves roles through a rooms.Adapter.
type Matcher struct {
	rooms *rooms.Adapter
	log   *pterm.Logger

	// ConflictRetries is how many times resolution restarts after losing a
	// transaction race.
	ConflictRetries int
}

// New returns a Matcher using the default retry policy.
func New(r *rooms.Adapter, log *pterm.Logger) *Matcher {
	return &Matcher{
		rooms:           r,
		log:             logging.OrDefault(log),
		ConflictRetries: DefaultConflictRetries,
	}
}

// ResolveRole claims the waiting room or creates a new one. A slot pointing
// at a room that no longer exists is dropped and resolution starts over.
func (m *Matcher) ResolveRole(ctx context.Context, localOffer rooms.OfferSource) (rooms.Claim, error) {
	conflicts, stale := 0, 0
	for {
		claim, err := m.rooms.ClaimOrCreateRoom(ctx, localOffer)
		switch {
		case err == nil:
			return claim, nil
		case errors.Is(err, store.ErrConflict) && conflicts < m.ConflictRetries:
			conflicts++
			m.log.Debug("rendezvous lost a race, retrying", m.log.Args("attempt", conflicts))
		case errors.Is(err, rooms.ErrRoomNotFound) && claim.RoomID != "" && stale < maxStaleSlots:
			stale++
			m.log.Info("waiting room vanished before it was claimed", m.log.Args("room", claim.RoomID))
		default:
			return rooms.Claim{}, err
		}
		if err := ctx.Err(); err != nil {
			return rooms.Claim{}, err
		}
	}
}
