package rooms_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/rooms"
	"github.com/mossy-p/blink-signaling/internal/store"
	"github.com/mossy-p/blink-signaling/internal/store/memory"
)

type collector struct {
	mu  sync.Mutex
	got []models.Candidate
}

func (c *collector) add(cand models.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, cand)
}

func (c *collector) all() []models.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Candidate(nil), c.got...)
}

func TestCandidatesDeliveredExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	alice, bob := newAdapter(st, "alice"), newAdapter(st, "bob")

	want := []models.Candidate{
		{Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 0},
		{Candidate: "candidate:2", SDPMid: "0", SDPMLineIndex: 0},
		{Candidate: "candidate:3", SDPMid: "1", SDPMLineIndex: 1},
	}
	for _, c := range want {
		require.NoError(t, alice.AppendCandidate(ctx, "alice", c))
	}

	var got collector
	sub, err := bob.WatchCandidates(ctx, "alice", got.add)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, waitFor, tick)

	st.Notify(rooms.BucketPath("alice"))
	st.Notify(rooms.BucketPath("alice"))
	time.Sleep(50 * time.Millisecond)

	assert.ElementsMatch(t, want, got.all())
}

func TestCandidatesAppendedLaterAreDelivered(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	alice, bob := newAdapter(st, "alice"), newAdapter(st, "bob")

	var got collector
	sub, err := bob.WatchCandidates(ctx, "alice", got.add)
	require.NoError(t, err)
	defer sub.Cancel()

	first := models.Candidate{Candidate: "candidate:1", SDPMid: "0"}
	second := models.Candidate{Candidate: "candidate:2", SDPMid: "0"}
	require.NoError(t, alice.AppendCandidate(ctx, "alice", first))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, waitFor, tick)
	require.NoError(t, alice.AppendCandidate(ctx, "alice", second))
	require.Eventually(t, func() bool { return len(got.all()) == 2 }, waitFor, tick)

	assert.Equal(t, []models.Candidate{first, second}, got.all())
}

func TestMalformedCandidatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Merge(ctx, rooms.BucketPath("alice"), store.Document{
		"a-missing-fields": []byte(`{"candidate":"candidate:1"}`),
		"b-not-json":       []byte(`{`),
		"c-good":           []byte(`{"candidate":"candidate:3","sdpMid":"0","sdpMLineIndex":0}`),
		"d-negative-index": []byte(`{"candidate":"candidate:4","sdpMid":"0","sdpMLineIndex":-1}`),
		"e-index-too-big":  []byte(`{"candidate":"candidate:5","sdpMid":"0","sdpMLineIndex":65536}`),
		"f-last-index":     []byte(`{"candidate":"candidate:6","sdpMid":"0","sdpMLineIndex":65535}`),
	}))

	var got collector
	sub, err := newAdapter(st, "bob").WatchCandidates(ctx, "alice", got.add)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, waitFor, tick)
	st.Notify(rooms.BucketPath("alice"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []models.Candidate{
		{Candidate: "candidate:3", SDPMid: "0"},
		{Candidate: "candidate:6", SDPMid: "0", SDPMLineIndex: 65535},
	}, got.all())
}

func TestCancelledWatchStopsAfterRunningDelivery(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	alice, bob := newAdapter(st, "alice"), newAdapter(st, "bob")
	require.NoError(t, alice.AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:1"}))

	entered, release := make(chan struct{}), make(chan struct{})
	var got collector
	sub, err := bob.WatchCandidates(ctx, "alice", func(c models.Candidate) {
		if len(got.all()) == 0 {
			close(entered)
			<-release
		}
		got.add(c)
	})
	require.NoError(t, err)
	<-entered

	sub.Cancel()
	select {
	case <-sub.Done():
		t.Fatal("done closed while a candidate is being delivered")
	default:
	}
	close(release)
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}

	require.NoError(t, alice.AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:2"}))
	st.Notify(rooms.BucketPath("alice"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []models.Candidate{{Candidate: "candidate:1"}}, got.all())
}

func TestAppendCandidateRejectsEmpty(t *testing.T) {
	err := newAdapter(memory.New(), "alice").AppendCandidate(context.Background(), "alice", models.Candidate{SDPMid: "0"})
	assert.ErrorIs(t, err, rooms.ErrMalformedCandidate)
}

func TestAppendCandidateRejectsBadIndex(t *testing.T) {
	st := memory.New()
	a := newAdapter(st, "alice")
	for _, idx := range []int{-1, 65536} {
		err := a.AppendCandidate(context.Background(), "alice", models.Candidate{Candidate: "candidate:1", SDPMLineIndex: idx})
		assert.ErrorIs(t, err, rooms.ErrMalformedCandidate, "index %d", idx)
	}
	assert.Equal(t, 0, st.Len())
}

func TestAppendCandidateRetriesWhileUnavailable(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.FailNext(2)

	a := newAdapter(st, "alice")
	require.NoError(t, a.AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:1"}))

	snap, err := st.Get(ctx, rooms.BucketPath("alice"))
	require.NoError(t, err)
	assert.Len(t, snap.Data, 1)
}

func TestAppendCandidateRetryBudget(t *testing.T) {
	ctx := context.Background()

	st := memory.New()
	st.FailNext(3)
	require.NoError(t, newAdapter(st, "alice").AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:1"}))

	st = memory.New()
	st.FailNext(4)
	err := newAdapter(st, "alice").AppendCandidate(ctx, "alice", models.Candidate{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 0, st.Len())
}

func TestAppendCandidateGivesUp(t *testing.T) {
	st := memory.New()
	st.FailNext(10)

	err := newAdapter(st, "alice").AppendCandidate(context.Background(), "alice", models.Candidate{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
