package rooms_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
	"github.com/mossy-p/blink-signaling/internal/store/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newAdapter(s store.Store, id string) *rooms.Adapter {
	return rooms.New(s, id,
		rooms.WithLogger(logging.Discard()),
		rooms.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	)
}

func offer(sdp string) rooms.OfferSource {
	return func(context.Context) (string, error) { return sdp, nil }
}

func TestInitiatorResponderScenario(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	initiator, responder := newAdapter(st, "alice"), newAdapter(st, "bob")

	first, err := initiator.ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)
	assert.Equal(t, models.RoleInitiator, first.Role)
	require.NotEmpty(t, first.RoomID)

	waiting, ok, err := initiator.WaitingRoom(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.RoomID, waiting)

	answers := make(chan models.Answer, 4)
	sub, err := initiator.WatchAnswer(ctx, first.RoomID, func(a models.Answer) { answers <- a })
	require.NoError(t, err)
	defer sub.Cancel()

	second, err := responder.ClaimOrCreateRoom(ctx, func(context.Context) (string, error) {
		t.Error("responder must not produce an offer")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleResponder, second.Role)
	assert.Equal(t, first.RoomID, second.RoomID)
	assert.Equal(t, models.Offer{SDP: "sdp_A", OwnerID: "alice"}, second.Offer)

	_, ok, err = responder.WaitingRoom(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := responder.PublishAnswer(ctx, second.RoomID, "sdp_B")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	select {
	case a := <-answers:
		assert.Equal(t, models.Answer{SDP: "sdp_B", ResponderID: "bob"}, a)
	case <-time.After(waitFor):
		t.Fatal("answer not delivered")
	}

	st.Notify(rooms.RoomPath(first.RoomID))
	select {
	case <-answers:
		t.Fatal("answer delivered twice")
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("answer watch did not cancel itself")
	}
	assert.Empty(t, answers)
}

func TestOfferRoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sdp := "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\na=fingerprint:sha-256 \"quoted\" ünïcode\r\n"

	claim, err := newAdapter(st, "alice").ClaimOrCreateRoom(ctx, offer(sdp))
	require.NoError(t, err)

	got, err := newAdapter(st, "bob").FetchOffer(ctx, claim.RoomID)
	require.NoError(t, err)
	assert.Equal(t, sdp, got.SDP)
}

func TestConcurrentClaimsPairUp(t *testing.T) {
	for _, n := range []int{2, 5, 8} {
		st := memory.New()
		claims := make([]rooms.Claim, n)

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claim, err := newAdapter(st, string(rune('a'+i))).ClaimOrCreateRoom(context.Background(), offer("sdp"))
				if assert.NoError(t, err) {
					claims[i] = claim
				}
			}()
		}
		wg.Wait()

		initiators := map[string]int{}
		responders := map[string]int{}
		for _, c := range claims {
			switch c.Role {
			case models.RoleInitiator:
				initiators[c.RoomID]++
			case models.RoleResponder:
				responders[c.RoomID]++
			}
		}

		assert.Len(t, responders, n/2, "n=%d", n)
		for room, count := range responders {
			assert.Equal(t, 1, count)
			assert.Equal(t, 1, initiators[room], "responder room %s has no initiator", room)
		}
		assert.Len(t, initiators, n-n/2)

		waiting, ok, err := newAdapter(st, "observer").WaitingRoom(context.Background())
		require.NoError(t, err)
		if n%2 == 1 {
			require.True(t, ok)
			assert.Equal(t, 1, initiators[waiting])
			assert.Zero(t, responders[waiting])
		} else {
			assert.False(t, ok)
		}
	}
}

func TestPublishAnswerOnDeletedRoom(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	initiator := newAdapter(st, "alice")

	claim, err := initiator.ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)
	require.NoError(t, initiator.DeleteRoom(ctx, claim.RoomID))

	_, err = newAdapter(st, "bob").PublishAnswer(ctx, claim.RoomID, "sdp_B")
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)
}

func TestPublishAnswerIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	claim, err := newAdapter(st, "alice").ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)

	_, err = newAdapter(st, "bob").PublishAnswer(ctx, claim.RoomID, "sdp_B")
	require.NoError(t, err)
	_, err = newAdapter(st, "carol").PublishAnswer(ctx, claim.RoomID, "sdp_C")
	require.ErrorIs(t, err, rooms.ErrAnswerExists)
	assert.ErrorIs(t, err, store.ErrConflict)

	room, err := newAdapter(st, "alice").Room(ctx, claim.RoomID)
	require.NoError(t, err)
	require.NotNil(t, room.Answer)
	assert.Equal(t, "bob", room.Answer.ResponderID)
}

func TestFetchOfferMissingRoom(t *testing.T) {
	_, err := newAdapter(memory.New(), "bob").FetchOffer(context.Background(), "nope")
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)
}

func TestReleaseWaitingSlotIfPointsTo(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	a := newAdapter(st, "alice")
	claim, err := a.ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)

	released, err := a.ReleaseWaitingSlotIfPointsTo(ctx, "someone-else")
	require.NoError(t, err)
	assert.False(t, released)
	_, ok, err := a.WaitingRoom(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err = a.ReleaseWaitingSlotIfPointsTo(ctx, claim.RoomID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = a.ReleaseWaitingSlotIfPointsTo(ctx, claim.RoomID)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestCleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	a := newAdapter(st, "alice")

	claim, err := a.ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)
	require.NoError(t, a.AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:1"}))

	for range 2 {
		require.NoError(t, a.DeleteCandidateBucket(ctx, "alice"))
		_, err := a.ReleaseWaitingSlotIfPointsTo(ctx, claim.RoomID)
		require.NoError(t, err)
		require.NoError(t, a.DeleteRoom(ctx, claim.RoomID))
	}
	assert.Equal(t, 0, st.Len())
}

func TestClaimSkipsMalformedSlot(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Set(ctx, rooms.WaitingSlotPath, store.Document{"roomId": []byte(`42`)}))

	claim, err := newAdapter(st, "alice").ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)
	assert.Equal(t, models.RoleInitiator, claim.Role)
}

func TestWatchAnswerSurvivesStoreErrors(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	initiator := newAdapter(st, "alice")
	claim, err := initiator.ClaimOrCreateRoom(ctx, offer("sdp_A"))
	require.NoError(t, err)

	var fired atomic.Int32
	sub, err := initiator.WatchAnswer(ctx, claim.RoomID, func(models.Answer) { fired.Add(1) })
	require.NoError(t, err)
	defer sub.Cancel()

	// The next read by the watch fails; it must re-subscribe and still see
	// the answer.
	st.FailNext(1)
	st.Notify(rooms.RoomPath(claim.RoomID))

	require.Eventually(t, func() bool {
		_, err := newAdapter(st, "bob").PublishAnswer(ctx, claim.RoomID, "sdp_B")
		return err == nil
	}, waitFor, tick)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
}
