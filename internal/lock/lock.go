// Package lock serializes work on a single aggregate (a campaign's message
// set, a batch's counters, a deal's stage) across goroutines and processes.
package lock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNotAcquired is returned by TryLock when another holder owns the key.
var ErrNotAcquired = eris.New("lock: held by another worker")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive, keyed locks.
type Locker interface {
	// TryLock acquires key without waiting, returning ErrNotAcquired when it
	// is already held.
	TryLock(ctx context.Context, key string) (Unlock, error)
	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// Hold acquires key like TryLock for long-running work. The returned
	// context is cancelled once the lock is lost or released, so the holder
	// must stop writing when it is done.
	Hold(ctx context.Context, key string) (context.Context, Unlock, error)
}

// ErrLeaseLost is the cancellation cause of a Hold context whose lease
// could not be renewed.
var ErrLeaseLost = eris.New("lock: lease lost")

// Campaign, Batch and Deal build the lock keys used across the engine.
func Campaign(id string) string { return "outreach:lock:campaign:" + id }

func Batch(id string) string { return "outreach:lock:batch:" + id }

func Deal(id string) string { return "outreach:lock:deal:" + id }

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) unlocker(key string, s *slot) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}
}

func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), nil
	default:
		l.releaseSlot(key, s)
		return nil, ErrNotAcquired
	}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), nil
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, eris.Wrapf(ctx.Err(), "lock: wait for %s", key)
	}
}

func (l *Local) Hold(ctx context.Context, key string) (context.Context, Unlock, error) {
	unlock, err := l.TryLock(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	held, cancel := context.WithCancel(ctx)
	return held, func() {
		cancel()
		unlock()
	}, nil
}
