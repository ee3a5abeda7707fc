// Package notifier publishes successive snapshots of a value. Readers see
// whole snapshots only, each tagged with a monotonically increasing count.
package notifier

import (
	"context"
	"sync"
)

type Update[T any] struct {
	Value T
	Count uint64
}

type Notifier[T any] struct {
	mu      sync.Mutex
	state   T
	count   uint64
	changed chan struct{}
}

func New[T any](initial T) *Notifier[T] {
	return &Notifier[T]{
		state:   initial,
		count:   1,
		changed: make(chan struct{}),
	}
}

func (n *Notifier[T]) UpdateState(v T) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = v
	n.count++
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *Notifier[T]) Current() Update[T] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Update[T]{Value: n.state, Count: n.count}
}

// UpdateSince returns as soon as the published count differs from count.
// Pass 0 to get the current snapshot immediately.
func (n *Notifier[T]) UpdateSince(ctx context.Context, count uint64) (Update[T], error) {
	for {
		n.mu.Lock()
		if n.count != count {
			u := Update[T]{Value: n.state, Count: n.count}
			n.mu.Unlock()
			return u, nil
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Update[T]{}, ctx.Err()
		}
	}
}
