// Package storetest holds the behaviour every store.Store implementation must
// share, so the in-memory and redis bindings are held to the same contract.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/store"
)

const waitFor = 2 * time.Second

// Run exercises s against the store contract. Each subtest uses its own
// paths, so one store may be shared.
func Run(t *testing.T, s store.Store) {
	t.Run("get missing", func(t *testing.T) {
		snap, err := s.Get(context.Background(), "missing/doc")
		require.NoError(t, err)
		assert.False(t, snap.Exists)
		assert.Equal(t, "missing/doc", snap.Path)
	})

	t.Run("set replaces", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "set/doc", doc(t, "a", 1, "b", "two")))
		require.NoError(t, s.Set(ctx, "set/doc", doc(t, "c", true)))

		snap, err := s.Get(ctx, "set/doc")
		require.NoError(t, err)
		require.True(t, snap.Exists)
		assert.Len(t, snap.Data, 1)
		var c bool
		ok, err := snap.Field("c", &c)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, c)
	})

	t.Run("merge keeps other fields", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Merge(ctx, "merge/doc", doc(t, "a", "x")))
		require.NoError(t, s.Merge(ctx, "merge/doc", doc(t, "b", "y")))

		snap, err := s.Get(ctx, "merge/doc")
		require.NoError(t, err)
		assert.Equal(t, "x", field[string](t, snap, "a"))
		assert.Equal(t, "y", field[string](t, snap, "b"))
	})

	t.Run("update requires document", func(t *testing.T) {
		ctx := context.Background()
		err := s.Update(ctx, "update/doc", doc(t, "a", 1))
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Set(ctx, "update/doc", doc(t, "a", 1)))
		require.NoError(t, s.Update(ctx, "update/doc", doc(t, "b", 2)))
		snap, err := s.Get(ctx, "update/doc")
		require.NoError(t, err)
		assert.Equal(t, 1, field[int](t, snap, "a"))
		assert.Equal(t, 2, field[int](t, snap, "b"))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "delete/doc", doc(t, "a", 1)))
		require.NoError(t, s.Delete(ctx, "delete/doc"))
		require.NoError(t, s.Delete(ctx, "delete/doc"))
		snap, err := s.Get(ctx, "delete/doc")
		require.NoError(t, err)
		assert.False(t, snap.Exists)
	})

	t.Run("transaction commits", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "tx/from", doc(t, "v", "moved")))

		err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			snap, err := tx.Get(ctx, "tx/from")
			if err != nil {
				return err
			}
			tx.Set("tx/to", snap.Data)
			tx.Delete("tx/from")
			return nil
		}, "tx/from", "tx/to")
		require.NoError(t, err)

		from, err := s.Get(ctx, "tx/from")
		require.NoError(t, err)
		assert.False(t, from.Exists)
		to, err := s.Get(ctx, "tx/to")
		require.NoError(t, err)
		assert.Equal(t, "moved", field[string](t, to, "v"))
	})

	t.Run("transaction conflict", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "conflict/doc", doc(t, "v", 1)))

		err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.Get(ctx, "conflict/doc"); err != nil {
				return err
			}
			if err := s.Set(ctx, "conflict/doc", doc(t, "v", 2)); err != nil {
				return err
			}
			tx.Set("conflict/doc", doc(t, "v", 3))
			return nil
		}, "conflict/doc")
		require.ErrorIs(t, err, store.ErrConflict)

		snap, err := s.Get(ctx, "conflict/doc")
		require.NoError(t, err)
		assert.Equal(t, 2, field[int](t, snap, "v"))
	})

	t.Run("transaction returns body error", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.RunTransaction(context.Background(), func(context.Context, store.Tx) error {
			return boom
		}, "body/doc")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, store.ErrUnavailable)
	})

	t.Run("watch delivers snapshots", func(t *testing.T) {
		ctx := context.Background()
		snaps := make(chan store.Snapshot, 16)
		sub, err := s.Watch(ctx, "watch/doc", func(snap store.Snapshot, err error) {
			if err == nil {
				snaps <- snap
			}
		})
		require.NoError(t, err)

		first := next(t, snaps)
		assert.False(t, first.Exists)

		require.NoError(t, s.Set(ctx, "watch/doc", doc(t, "a", "x")))
		assert.Equal(t, "x", field[string](t, waitUntil(t, snaps, func(s store.Snapshot) bool { return s.Exists }), "a"))

		require.NoError(t, s.Delete(ctx, "watch/doc"))
		waitUntil(t, snaps, func(s store.Snapshot) bool { return !s.Exists })

		sub.Cancel()
		sub.Cancel()
		select {
		case <-sub.Done():
		case <-time.After(waitFor):
			t.Fatal("subscription did not stop")
		}
	})
}

func doc(t *testing.T, kv ...any) store.Document {
	t.Helper()
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i].(string)] = kv[i+1]
	}
	d, err := store.Encode(fields)
	require.NoError(t, err)
	return d
}

func field[T any](t *testing.T, snap store.Snapshot, name string) T {
	t.Helper()
	var v T
	raw, ok := snap.Data[name]
	require.True(t, ok, "field %q missing", name)
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func next(t *testing.T, snaps <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case snap := <-snaps:
		return snap
	case <-time.After(waitFor):
		t.Fatal("no snapshot delivered")
		return store.Snapshot{}
	}
}

func waitUntil(t *testing.T, snaps <-chan store.Snapshot, ok func(store.Snapshot) bool) store.Snapshot {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-snaps:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("expected snapshot not delivered")
			return store.Snapshot{}
		}
	}
}
