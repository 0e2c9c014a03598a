// Package lock provides keyed mutual exclusion for ledger entities.
//
// Callers acquire every key an operation touches in one call. Keys are
// de-duplicated and taken in sorted order, so two operations with
// overlapping key sets can never deadlock.
package lock

import (
	"context"
	"slices"
	"sync"
)

// Locker acquires a set of keys. The returned release func must be called
// exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// Local is an in-process Locker. Each key is a one-slot channel so that
// waiting honours context cancellation.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process keyed locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		e := l.ref(k)
		select {
		case e.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			l.release(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *Local) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) release(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[held[i]]
		l.mu.Unlock()
		<-e.ch
		l.unref(held[i])
	}
}

// size reports how many keys are currently tracked.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
