// Package memory is an in-process implementation of store.Store.
//
// It keeps the semantics of the redis binding (optimistic transactions,
// snapshot-on-every-change watches) so the signaling core can be exercised
// without a server.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/mossy-p/blink-signaling/internal/store"
)

// Store is a store.Store backed by a map.
type Store struct {
	mu       sync.Mutex
	docs     map[string]store.Document
	versions map[string]uint64
	watchers map[string]map[chan struct{}]struct{}

	faults   int
	faultErr error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[string]store.Document),
		versions: make(map[string]uint64),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

// FailNext makes the next n operations fail with store.ErrUnavailable.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = n
	s.faultErr = fmt.Errorf("%w: injected fault", store.ErrUnavailable)
}

// Notify wakes every watcher of path without changing the document, the way a
// real backend may re-deliver an unchanged snapshot.
func (s *Store) Notify(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked(path)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) faultLocked() error {
	if s.faults > 0 {
		s.faults--
		return s.faultErr
	}
	return nil
}

func (s *Store) notifyLocked(path string) {
	for wake := range s.watchers[path] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (s *Store) snapshotLocked(path string) store.Snapshot {
	doc, ok := s.docs[path]
	if !ok {
		return store.Snapshot{Path: path}
	}
	return store.Snapshot{Path: path, Exists: true, Data: cloneDoc(doc)}
}

func (s *Store) writeLocked(path string, doc store.Document) {
	s.versions[path]++
	if len(doc) == 0 {
		delete(s.docs, path)
	} else {
		s.docs[path] = cloneDoc(doc)
	}
	s.notifyLocked(path)
}

func (s *Store) deleteLocked(path string) {
	if _, ok := s.docs[path]; !ok {
		return
	}
	s.versions[path]++
	delete(s.docs, path)
	s.notifyLocked(path)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return store.Snapshot{}, err
	}
	return s.snapshotLocked(path), nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return err
	}
	s.writeLocked(path, doc)
	return nil
}

// Merge implements store.Store.
func (s *Store) Merge(ctx context.Context, path string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return err
	}
	merged := cloneDoc(s.docs[path])
	maps.Copy(merged, doc)
	s.writeLocked(path, merged)
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, path string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return err
	}
	current, ok := s.docs[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	merged := cloneDoc(current)
	maps.Copy(merged, doc)
	s.writeLocked(path, merged)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return err
	}
	s.deleteLocked(path)
	return nil
}

// RunTransaction implements store.Store. Reads happen outside the lock; the
// commit checks that none of the watched paths changed in the meantime.
func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc, paths ...string) error {
	s.mu.Lock()
	if err := s.faultLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	seen := make(map[string]uint64, len(paths))
	for _, p := range paths {
		seen[p] = s.versions[p]
	}
	s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, v := range seen {
		if s.versions[p] != v {
			return fmt.Errorf("%s: %w", p, store.ErrConflict)
		}
	}
	for _, op := range tx.ops {
		if op.delete {
			s.deleteLocked(op.path)
		} else {
			s.writeLocked(op.path, op.doc)
		}
	}
	return nil
}

// Watch implements store.Store.
func (s *Store) Watch(ctx context.Context, path string, fn store.WatchFunc) (store.Subscription, error) {
	wake := make(chan struct{}, 1)

	s.mu.Lock()
	if err := s.faultLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[chan struct{}]struct{})
	}
	s.watchers[path][wake] = struct{}{}
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[path], wake)
		if len(s.watchers[path]) == 0 {
			delete(s.watchers, path)
		}
	}
	read := func(context.Context) (store.Snapshot, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.faultLocked(); err != nil {
			return store.Snapshot{}, err
		}
		return s.snapshotLocked(path), nil
	}
	return store.StartFeed(ctx, read, wake, fn, stop), nil
}

type txOp struct {
	path   string
	doc    store.Document
	delete bool
}

type memTx struct {
	store *Store
	ops   []txOp
}

func (t *memTx) Get(ctx context.Context, path string) (store.Snapshot, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.snapshotLocked(path), nil
}

func (t *memTx) Set(path string, doc store.Document) {
	t.ops = append(t.ops, txOp{path: path, doc: cloneDoc(doc)})
}

func (t *memTx) Delete(path string) {
	t.ops = append(t.ops, txOp{path: path, delete: true})
}

func cloneDoc(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
