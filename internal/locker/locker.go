// Package locker provides named locks so that mutations can be serialized
// per document id while unrelated documents proceed concurrently. Lock
// entries are created on demand and removed again once nothing waits on
// them, so idle documents cost nothing.
package locker

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoSuchLock is returned when unlocking a name that was never locked.
var ErrNoSuchLock = errors.New("no such lock")

// Locker hands out one mutex per name.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockCtr
}

type lockCtr struct {
	mu sync.Mutex
	// waiters counts goroutines holding or waiting for the lock; the entry
	// is dropped from the map when it reaches zero.
	waiters int32
}

func (l *lockCtr) inc()         { atomic.AddInt32(&l.waiters, 1) }
func (l *lockCtr) dec()         { atomic.AddInt32(&l.waiters, -1) }
func (l *lockCtr) count() int32 { return atomic.LoadInt32(&l.waiters) }

// New creates a new Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*lockCtr)}
}

// Lock acquires the lock for the given name, creating it if needed.
func (l *Locker) Lock(name string) {
	l.mu.Lock()
	ctr, ok := l.locks[name]
	if !ok {
		ctr = &lockCtr{}
		l.locks[name] = ctr
	}
	// Count ourselves while still inside the map mutex so a concurrent
	// Unlock cannot delete the entry under us.
	ctr.inc()
	l.mu.Unlock()

	ctr.mu.Lock()
	ctr.dec()
}

// Unlock releases the lock for the given name.
func (l *Locker) Unlock(name string) error {
	l.mu.Lock()
	ctr, ok := l.locks[name]
	if !ok {
		l.mu.Unlock()
		return ErrNoSuchLock
	}
	if ctr.count() == 0 {
		delete(l.locks, name)
	}
	ctr.mu.Unlock()
	l.mu.Unlock()
	return nil
}
