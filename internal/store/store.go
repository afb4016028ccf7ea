// Package store defines the remote document store the signaling core runs on.
//
// The store only offers read, write, optimistic transactions and change
// watches. There is no queue: every message between participants is a field
// in a document that the other side watches.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnavailable wraps transport failures and outages. Retryable.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a transaction lost a race with another writer.
	ErrConflict = errors.New("store conflict")
	// ErrNotFound is returned by Update when the document does not exist.
	ErrNotFound = errors.New("document not found")
)

// Document maps top-level field names to JSON values. Fields are written
// independently, so merging two documents never rewrites untouched fields.
type Document map[string]json.RawMessage

// Snapshot is the state of a document at one point in time.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Document
}

// Field decodes a single top-level field into v. It reports false when the
// field is absent or JSON null.
func (s Snapshot) Field(name string, v any) (bool, error) {
	raw, ok := s.Data[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// Tx is the view of the store inside a transaction. Reads observe committed
// state; writes are buffered and applied atomically on commit.
type Tx interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(path string, doc Document)
	Delete(path string)
}

// TxFunc is the read-then-write body of a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Subscription is a live watch on one document.
type Subscription interface {
	// Cancel stops delivery. It is idempotent and may be called from inside
	// the callback. Once it returns no new delivery starts, but a callback
	// already under way may still run to completion.
	Cancel()
	// Done is closed once the delivery goroutine has exited. After Cancel,
	// waiting on Done from outside the callback guarantees that no callback
	// is running or will run.
	Done() <-chan struct{}
}

// WatchFunc receives every snapshot of a watched document, or an error when
// the watch could not read it.
type WatchFunc func(snap Snapshot, err error)

// Store is the remote session store.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the whole document.
	Set(ctx context.Context, path string, doc Document) error
	// Merge upserts the given fields, creating the document if needed.
	Merge(ctx context.Context, path string, doc Document) error
	// Update merges fields into an existing document, failing with
	// ErrNotFound if it does not exist.
	Update(ctx context.Context, path string, doc Document) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
	// RunTransaction runs fn with optimistic concurrency control over paths.
	// If any of them changes between the reads and the commit the transaction
	// fails with ErrConflict.
	RunTransaction(ctx context.Context, fn TxFunc, paths ...string) error
	// Watch delivers the current snapshot of path and then a fresh snapshot
	// after every change notification. Notifications may repeat an unchanged
	// document.
	Watch(ctx context.Context, path string, fn WatchFunc) (Subscription, error)
}

// Encode builds a Document from field values.
func Encode(fields map[string]any) (Document, error) {
	doc := make(Document, len(fields))
	for name, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		doc[name] = raw
	}
	return doc, nil
}
