package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/store"
)

// maxAppendRetries bounds how often a candidate write is retried while the
// store is unavailable.
const maxAppendRetries = 3

// maxMLineIndex is the largest media line index a peer connection accepts.
const maxMLineIndex = 1<<16 - 1

// AppendCandidate adds a candidate to ownerID's bucket under a fresh id. The
// write merges into the bucket so earlier entries are kept.
func (a *Adapter) AppendCandidate(ctx context.Context, ownerID string, c models.Candidate) error {
	if c.Candidate == "" || c.SDPMLineIndex < 0 || c.SDPMLineIndex > maxMLineIndex {
		return fmt.Errorf("append candidate: %w", ErrMalformedCandidate)
	}
	doc, err := store.Encode(map[string]any{a.newID(): c})
	if err != nil {
		return err
	}

	op := func() error {
		err := a.store.Merge(ctx, BucketPath(ownerID), doc)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), maxAppendRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	return nil
}

// WatchCandidates delivers every entry of remoteOwnerID's bucket exactly once.
// Each snapshot holds the whole bucket, so entries already seen are skipped
// using a per-watch set of delivered ids. Malformed entries are logged once
// and skipped. The watch runs until cancelled.
func (a *Adapter) WatchCandidates(ctx context.Context, remoteOwnerID string, onCandidate func(models.Candidate)) (store.Subscription, error) {
	consumer := &candidateConsumer{
		delivered: make(map[string]struct{}),
		deliver:   onCandidate,
		skip: func(id string, err error) {
			a.log.Warn("skipping candidate", a.log.Args("owner", remoteOwnerID, "id", id, "error", err))
		},
	}
	w := a.newWatch(BucketPath(remoteOwnerID), consumer.consume)
	if err := w.open(ctx); err != nil {
		return nil, fmt.Errorf("watch candidates: %w", err)
	}
	return w, nil
}

// candidateConsumer turns full-bucket snapshots into single deliveries.
type candidateConsumer struct {
	mu        sync.Mutex
	delivered map[string]struct{}
	deliver   func(models.Candidate)
	skip      func(id string, err error)
}

func (c *candidateConsumer) consume(snap store.Snapshot) {
	if !snap.Exists {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(snap.Data))
	for id := range snap.Data {
		if _, seen := c.delivered[id]; !seen {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		c.delivered[id] = struct{}{}
		candidate, err := decodeCandidate(snap.Data[id])
		if err != nil {
			c.skip(id, err)
			continue
		}
		c.deliver(candidate)
	}
}

func decodeCandidate(raw json.RawMessage) (models.Candidate, error) {
	var entry struct {
		Candidate     *string `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *int    `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.Candidate{}, fmt.Errorf("%w: %v", ErrMalformedCandidate, err)
	}
	if entry.Candidate == nil || entry.SDPMid == nil || entry.SDPMLineIndex == nil {
		return models.Candidate{}, ErrMalformedCandidate
	}
	if idx := *entry.SDPMLineIndex; idx < 0 || idx > maxMLineIndex {
		return models.Candidate{}, fmt.Errorf("%w: sdpMLineIndex %d out of range", ErrMalformedCandidate, idx)
	}
	return models.Candidate{
		Candidate:     *entry.Candidate,
		SDPMid:        *entry.SDPMid,
		SDPMLineIndex: *entry.SDPMLineIndex,
	}, nil
}
