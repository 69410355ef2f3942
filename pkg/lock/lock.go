// Package lock provides keyed mutual exclusion for dispatch, either inside one
// process or across processes sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Memory is a per-key in-process lock.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*keyLock)}
}

func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, l, true) })
	}, nil
}

func (m *Memory) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
