package sqlsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when a session lock could not be acquired before
// the context ended.
var ErrLockTimeout = errors.New("session lock not acquired")

// Locker serializes requests that share a session id. The SaveHandler does
// not lock on its own; a Manager configured with a Locker holds the lock from
// the first read of a session until its final write.
type Locker interface {
	// Lock blocks until the lock for id is held or ctx ends. The returned
	// function releases the lock and may be called more than once.
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// MutexLocker is a Locker for a single process.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMutexLocker creates an in-process Locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*keyLock)}
}

func (l *MutexLocker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(id, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(id, kl)
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

func (l *MutexLocker) release(id string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, id)
	}
}

// held returns the number of ids with a waiter or holder.
func (l *MutexLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
