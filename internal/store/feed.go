package store

import (
	"context"
	"sync"
)

// Feed is the delivery loop behind a watch: it reads the document once on
// start and again every time wake fires, handing each snapshot to the
// callback in order on a single goroutine.
type Feed struct {
	cancel   context.CancelFunc
	stop     func()
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	cancelled bool
}

// StartFeed starts delivering snapshots of a document. read loads the current
// snapshot, wake signals a change and stop releases whatever produces the
// wake-ups. The feed ends when ctx is done, wake is closed or Cancel is called.
func StartFeed[T any](ctx context.Context, read func(context.Context) (Snapshot, error), wake <-chan T, fn WatchFunc, stop func()) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		cancel: cancel,
		stop:   stop,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		defer f.release()

		f.deliver(ctx, read, fn)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-wake:
				if !ok {
					return
				}
				f.deliver(ctx, read, fn)
			}
		}
	}()

	return f
}

func (f *Feed) deliver(ctx context.Context, read func(context.Context) (Snapshot, error), fn WatchFunc) {
	snap, err := read(ctx)
	if ctx.Err() != nil {
		return
	}
	f.mu.Lock()
	cancelled := f.cancelled
	f.mu.Unlock()
	if cancelled {
		return
	}
	fn(snap, err)
}

func (f *Feed) release() {
	f.stopOnce.Do(func() {
		if f.stop != nil {
			f.stop()
		}
	})
}

// Cancel implements Subscription. It does not wait for a callback that has
// already passed its cancellation check; Done does.
func (f *Feed) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.cancel()
	f.release()
}

// Done implements Subscription.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}
