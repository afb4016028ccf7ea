// Package presence counts the participants currently online.
package presence

import (
	"context"
	"sync"
	"time"
)

// Tracker records heartbeats. A participant counts as online until its last
// heartbeat is older than the tracker's TTL.
type Tracker interface {
	Heartbeat(ctx context.Context, participantID string) error
	Leave(ctx context.Context, participantID string) error
	Count(ctx context.Context) (int64, error)
}

// Memory is an in-process Tracker.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory returns a Memory tracker.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *Memory) Heartbeat(_ context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[participantID] = m.now()
	return nil
}

func (m *Memory) Leave(_ context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, participantID)
	return nil
}

func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for id, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, id)
		}
	}
	return int64(len(m.seen)), nil
}

// Keep heartbeats id every interval until ctx is done, then removes it.
// Errors are passed to onErr and do not stop the loop.
func Keep(ctx context.Context, t Tracker, id string, interval time.Duration, onErr func(error)) {
	beat := func() {
		if err := t.Heartbeat(ctx, id); err != nil && onErr != nil && ctx.Err() == nil {
			onErr(err)
		}
	}
	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := t.Leave(context.WithoutCancel(ctx), id); err != nil && onErr != nil {
				onErr(err)
			}
			return
		case <-ticker.C:
			beat()
		}
	}
}
