// Package rooms implements the typed rendezvous operations on top of the
// remote session store: the waiting slot, room documents and candidate
// buckets.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// Document paths.
const (
	WaitingSlotPath      = "waitingRoom/current"
	roomsCollection      = "rooms/"
	candidatesCollection = "iceCandidates/"
)

// RoomPath is the path of a room document.
func RoomPath(roomID string) string {
	return roomsCollection + roomID
}

// BucketPath is the path of a participant's candidate bucket.
func BucketPath(ownerID string) string {
	return candidatesCollection + ownerID
}

// OfferSource produces the local offer. It is only called when the
// participant ends up creating a room.
type OfferSource func(ctx context.Context) (string, error)

// Claim is the outcome of a rendezvous attempt.
type Claim struct {
	Role   models.Role
	RoomID string
	// Offer is the room's offer: our own for an initiator, the peer's for a
	// responder.
	Offer models.Offer
}

// Adapter performs room operations on behalf of one participant.
type Adapter struct {
	store      store.Store
	self       string
	log        *pterm.Logger
	newID      func() string
	newBackOff func() backoff.BackOff
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *pterm.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithBackOff sets the retry policy used for candidate appends and watch
// re-subscription.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(a *Adapter) { a.newBackOff = fn }
}

// New returns an adapter acting as participantID.
func New(s store.Store, participantID string, opts ...Option) *Adapter {
	a := &Adapter{
		store:      s,
		self:       participantID,
		newID:      uuid.NewString,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.OrDefault(a.log)
	return a
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// ParticipantID returns the id this adapter writes as.
func (a *Adapter) ParticipantID() string {
	return a.self
}

// ClaimOrCreateRoom resolves the rendezvous. If a room is waiting it is
// claimed atomically and the caller becomes the responder. Otherwise the local
// offer is produced, a room is created for it and the waiting slot is pointed
// at it; should another participant publish a slot in the meantime, that slot
// is claimed instead and the fresh room is discarded. A transaction on the
// slot that loses a race is re-run, reusing the offer and room already made.
func (a *Adapter) ClaimOrCreateRoom(ctx context.Context, localOffer OfferSource) (Claim, error) {
	roomID, claimed, err := a.settleWaitingSlot(ctx, "")
	if err != nil {
		return Claim{}, err
	}
	if claimed {
		return a.responderClaim(ctx, roomID)
	}

	sdp, err := localOffer(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("produce local offer: %w", err)
	}
	ownRoom, err := a.createRoom(ctx, sdp)
	if err != nil {
		return Claim{}, err
	}

	roomID, claimed, err = a.settleWaitingSlot(ctx, ownRoom)
	if err != nil {
		a.deleteQuietly(ctx, RoomPath(ownRoom))
		return Claim{}, err
	}
	if claimed {
		a.deleteQuietly(ctx, RoomPath(ownRoom))
		return a.responderClaim(ctx, roomID)
	}

	a.log.Debug("room created", a.log.Args("room", ownRoom, "owner", a.self))
	return Claim{
		Role:   models.RoleInitiator,
		RoomID: ownRoom,
		Offer:  models.Offer{SDP: sdp, OwnerID: a.self},
	}, nil
}

func (a *Adapter) responderClaim(ctx context.Context, roomID string) (Claim, error) {
	claim := Claim{Role: models.RoleResponder, RoomID: roomID}
	offer, err := a.FetchOffer(ctx, roomID)
	if err != nil {
		return claim, err
	}
	claim.Offer = offer
	a.log.Debug("room claimed", a.log.Args("room", roomID, "owner", offer.OwnerID))
	return claim, nil
}

// settleWaitingSlot repeats claimWaitingSlot until its transaction commits.
// A conflict means another participant changed the slot in between, so every
// new attempt works on a newer slot and the loop only ends with a claim, a
// publish, a non-conflict error or ctx.
func (a *Adapter) settleWaitingSlot(ctx context.Context, publish string) (string, bool, error) {
	for attempt := 1; ; attempt++ {
		roomID, claimed, err := a.claimWaitingSlot(ctx, publish)
		if !errors.Is(err, store.ErrConflict) {
			return roomID, claimed, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, fmt.Errorf("claim waiting slot: %w", ctxErr)
		}
		a.log.Trace("waiting slot changed, retrying", a.log.Args("participant", a.self, "attempt", attempt))
	}
}

// claimWaitingSlot runs one transaction on the waiting slot. If the slot holds
// a room id it is deleted and returned. Otherwise, when publish is set, the
// slot is pointed at publish.
func (a *Adapter) claimWaitingSlot(ctx context.Context, publish string) (string, bool, error) {
	var roomID string
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		roomID = ""
		snap, err := tx.Get(ctx, WaitingSlotPath)
		if err != nil {
			return err
		}
		var slot models.WaitingSlot
		if snap.Exists {
			if _, err := snap.Field("roomId", &slot.RoomID); err != nil {
				a.log.Warn("discarding malformed waiting slot", a.log.Args("error", err))
			}
		}
		switch {
		case slot.RoomID != "":
			roomID = slot.RoomID
			tx.Delete(WaitingSlotPath)
		case publish != "":
			doc, err := store.Encode(map[string]any{"roomId": publish})
			if err != nil {
				return err
			}
			tx.Set(WaitingSlotPath, doc)
		case snap.Exists:
			tx.Delete(WaitingSlotPath)
		}
		return nil
	}, WaitingSlotPath)
	if err != nil {
		return "", false, fmt.Errorf("claim waiting slot: %w", err)
	}
	return roomID, roomID != "", nil
}

func (a *Adapter) createRoom(ctx context.Context, sdp string) (string, error) {
	roomID := a.newID()
	doc, err := store.Encode(map[string]any{
		"offer": models.Offer{SDP: sdp, OwnerID: a.self},
	})
	if err != nil {
		return "", err
	}
	if err := a.store.Set(ctx, RoomPath(roomID), doc); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return roomID, nil
}

// Room reads a room document.
func (a *Adapter) Room(ctx context.Context, roomID string) (models.Room, error) {
	snap, err := a.store.Get(ctx, RoomPath(roomID))
	if err != nil {
		return models.Room{}, fmt.Errorf("read room: %w", err)
	}
	return decodeRoom(roomID, snap)
}

func decodeRoom(roomID string, snap store.Snapshot) (models.Room, error) {
	if !snap.Exists {
		return models.Room{}, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	room := models.Room{ID: roomID}
	ok, err := snap.Field("offer", &room.Offer)
	if err != nil || !ok || room.Offer.SDP == "" || room.Offer.OwnerID == "" {
		return models.Room{}, fmt.Errorf("%s has no offer: %w", roomID, ErrRoomNotFound)
	}
	var answer models.Answer
	if ok, err := snap.Field("answer", &answer); err == nil && ok && answer.SDP != "" {
		room.Answer = &answer
	}
	return room, nil
}

// FetchOffer reads the offer of a room.
func (a *Adapter) FetchOffer(ctx context.Context, roomID string) (models.Offer, error) {
	room, err := a.Room(ctx, roomID)
	if err != nil {
		return models.Offer{}, err
	}
	return room.Offer, nil
}

// PublishAnswer writes our answer into the room and returns the offer owner.
// The answer is write-once.
func (a *Adapter) PublishAnswer(ctx context.Context, roomID, sdp string) (string, error) {
	path := RoomPath(roomID)
	var ownerID string
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		room, err := decodeRoom(roomID, snap)
		if err != nil {
			return err
		}
		if room.Answer != nil {
			return ErrAnswerExists
		}
		answer, err := store.Encode(map[string]any{
			"answer": models.Answer{SDP: sdp, ResponderID: a.self},
		})
		if err != nil {
			return err
		}
		doc := make(store.Document, len(snap.Data)+1)
		for k, v := range snap.Data {
			doc[k] = v
		}
		doc["answer"] = answer["answer"]
		tx.Set(path, doc)
		ownerID = room.Offer.OwnerID
		return nil
	}, path)
	if err != nil {
		return "", fmt.Errorf("publish answer: %w", err)
	}
	return ownerID, nil
}

// WatchAnswer calls onAnswer once, the first time the room carries an
// answer, and then cancels itself.
func (a *Adapter) WatchAnswer(ctx context.Context, roomID string, onAnswer func(models.Answer)) (store.Subscription, error) {
	var fired atomic.Bool
	var w *watch
	w = a.newWatch(RoomPath(roomID), func(snap store.Snapshot) {
		if !snap.Exists {
			a.log.Debug("room gone while waiting for answer", a.log.Args("room", roomID))
			return
		}
		var answer models.Answer
		ok, err := snap.Field("answer", &answer)
		if err != nil || !ok || answer.SDP == "" || answer.ResponderID == "" {
			return
		}
		if !fired.CompareAndSwap(false, true) {
			return
		}
		w.Cancel()
		onAnswer(answer)
	})
	if err := w.open(ctx); err != nil {
		return nil, fmt.Errorf("watch answer: %w", err)
	}
	return w, nil
}

// WaitingRoom reports the room currently waiting for a peer, if any.
func (a *Adapter) WaitingRoom(ctx context.Context) (string, bool, error) {
	snap, err := a.store.Get(ctx, WaitingSlotPath)
	if err != nil {
		return "", false, err
	}
	var roomID string
	if _, err := snap.Field("roomId", &roomID); err != nil {
		return "", false, nil
	}
	return roomID, roomID != "", nil
}

// DeleteRoom removes a room. Idempotent.
func (a *Adapter) DeleteRoom(ctx context.Context, roomID string) error {
	if err := a.store.Delete(ctx, RoomPath(roomID)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// DeleteCandidateBucket removes a participant's candidates. Idempotent.
func (a *Adapter) DeleteCandidateBucket(ctx context.Context, ownerID string) error {
	if err := a.store.Delete(ctx, BucketPath(ownerID)); err != nil {
		return fmt.Errorf("delete candidates: %w", err)
	}
	return nil
}

// ReleaseWaitingSlotIfPointsTo deletes the waiting slot only while it still
// points at roomID. It reports whether the slot was deleted.
func (a *Adapter) ReleaseWaitingSlotIfPointsTo(ctx context.Context, roomID string) (bool, error) {
	released := false
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		released = false
		snap, err := tx.Get(ctx, WaitingSlotPath)
		if err != nil {
			return err
		}
		var current string
		if _, err := snap.Field("roomId", &current); err != nil || current != roomID {
			return nil
		}
		tx.Delete(WaitingSlotPath)
		released = true
		return nil
	}, WaitingSlotPath)
	if err != nil {
		return false, fmt.Errorf("release waiting slot: %w", err)
	}
	return released, nil
}

func (a *Adapter) deleteQuietly(ctx context.Context, path string) {
	if err := a.store.Delete(ctx, path); err != nil {
		a.log.Warn("cleanup failed", a.log.Args("path", path, "error", err))
	}
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
