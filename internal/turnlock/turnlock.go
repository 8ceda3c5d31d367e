// Package turnlock serialises turn handling per chat.
//
// Two chat turns running concurrently would both read the same entity set,
// both insert the same new candidate and both reinforce the same match.
// Every [Locker] hands out at most one lease per chat id at a time; callers
// hold it for the whole turn and release it with the returned unlock func.
//
// [Local] guards a single process. [Redis] guards every process sharing one
// Redis instance.
package turnlock

import (
	"context"
	"sync"
)

// Locker acquires the per-chat turn lease.
//
// Lock blocks until the lease for chatID is free or ctx is done. On success
// the returned unlock func must be called exactly once; extra calls are
// ignored. On failure unlock is nil.
type Locker interface {
	Lock(ctx context.Context, chatID string) (unlock func(), err error)
}

// Compile-time interface assertions.
var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)

type localEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are reference counted and
// removed once no caller holds or waits for them, so memory stays bounded by
// the number of chats with a turn in flight.
//
// The zero value is ready to use.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal returns an empty [Local].
func NewLocal() *Local {
	return &Local{}
}

// Lock implements [Locker].
func (l *Local) Lock(ctx context.Context, chatID string) (func(), error) {
	e := l.acquireRef(chatID)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(chatID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(chatID, e)
		})
	}, nil
}

// Len reports how many chats currently have a holder or waiter.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) acquireRef(chatID string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries == nil {
		l.entries = make(map[string]*localEntry)
	}
	e, ok := l.entries[chatID]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[chatID] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(chatID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, chatID)
	}
}
