package rooms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mossy-p/blink-signaling/internal/store"
)

var errWatchStopped = errors.New("watch stopped")

// watch keeps a store subscription alive. When the store reports an error the
// subscription is dropped and re-issued with backoff; state kept by fn
// survives because fn itself is reused.
type watch struct {
	a    *Adapter
	path string
	fn   func(store.Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	gen       uint64
	sub       store.Subscription
	cancelled bool
}

func (a *Adapter) newWatch(path string, fn func(store.Snapshot)) *watch {
	return &watch{a: a, path: path, fn: fn, done: make(chan struct{})}
}

// open issues the first subscription. Errors here are returned to the caller
// rather than retried.
func (w *watch) open(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen = 1
	sub, err := w.subscribe(w.gen)
	if err != nil {
		w.cancel()
		return err
	}
	w.sub = sub
	return nil
}

// subscribe must be called with mu held. Deliveries are dropped once gen is
// stale, so a failing subscription cannot race its replacement.
func (w *watch) subscribe(gen uint64) (store.Subscription, error) {
	return w.a.store.Watch(w.ctx, w.path, func(snap store.Snapshot, err error) {
		w.mu.Lock()
		current := gen == w.gen && !w.cancelled
		w.mu.Unlock()
		if !current {
			return
		}
		if err != nil {
			w.fail(gen, err)
			return
		}
		w.fn(snap)
	})
}

func (w *watch) fail(gen uint64, err error) {
	w.mu.Lock()
	if gen != w.gen || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.gen++
	next := w.gen
	old := w.sub
	w.sub = nil
	w.mu.Unlock()

	w.a.log.Warn("watch failed, re-subscribing", w.a.log.Args("path", w.path, "error", err))
	if old != nil {
		old.Cancel()
	}
	go w.resubscribe(next)
}

func (w *watch) resubscribe(gen uint64) {
	op := func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancelled || gen != w.gen {
			return backoff.Permanent(errWatchStopped)
		}
		sub, err := w.subscribe(gen)
		if err != nil {
			return err
		}
		w.sub = sub
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.a.log.Debug("re-subscribe failed", w.a.log.Args("path", w.path, "error", err, "retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(w.a.newBackOff(), w.ctx), notify)
	if err != nil && !errors.Is(err, errWatchStopped) && w.ctx.Err() == nil {
		w.a.log.Error("giving up on watch", w.a.log.Args("path", w.path, "error", err))
	}
}

// Cancel implements store.Subscription.
func (w *watch) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	w.cancel()
	if sub == nil {
		close(w.done)
		return
	}
	sub.Cancel()
	go func() {
		<-sub.Done()
		close(w.done)
	}()
}

// Done implements store.Subscription. It is closed once Cancel was called and
// the live subscription has stopped delivering.
func (w *watch) Done() <-chan struct{} {
	return w.done
}
