package services

import (
	"context"
	"sync"
)

// RequestLocks hands out one mutex per request id. Entries are reference counted and dropped once no caller holds or
// waits on them.
type RequestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	// Buffered with capacity one; holding the lock means having sent into it
	ch   chan struct{}
	refs int
}

func NewRequestLocks() *RequestLocks {
	return &RequestLocks{locks: make(map[string]*requestLock)}
}

// Lock blocks until the request's lock is acquired or the context ends. The returned function releases the lock.
func (l *RequestLocks) Lock(ctx context.Context, requestId string) (func(), error) {
	l.mu.Lock()
	lock, found := l.locks[requestId]
	if !found {
		lock = &requestLock{ch: make(chan struct{}, 1)}
		l.locks[requestId] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			l.release(requestId, lock)
		}, nil
	case <-ctx.Done():
		l.release(requestId, lock)
		return nil, ctx.Err()
	}
}

func (l *RequestLocks) release(requestId string, lock *requestLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, requestId)
	}
}

func (l *RequestLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
