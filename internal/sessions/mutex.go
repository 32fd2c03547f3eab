// Package sessions serializes and persists per-session conversation state.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMutexTimeout reports that a run exceeded its wall-clock deadline.
// The lock is released so queued runs do not starve.
var ErrMutexTimeout = errors.New("session mutex timeout")

// Mutex is a single-holder lock with a strict FIFO waiter queue. Unlike
// sync.Mutex, waiters are resumed in arrival order.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is held or ctx is done.
func (m *Mutex) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// Granted between ctx firing and dequeue; hand it back.
		m.Release()
		return ctx.Err()
	}
}

// Release hands the lock to the oldest waiter, or frees it.
func (m *Mutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) > 0 {
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		// The lock stays held; ownership transfers to the waiter.
		close(ch)
		return
	}
	m.locked = false
}

// Run acquires the lock, runs fn, and releases on all paths. A positive
// timeout bounds the whole run; on expiry Run returns ErrMutexTimeout
// and the lock is forcibly released even if fn is still executing.
func (m *Mutex) Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := m.Acquire(ctx); err != nil {
		if timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return ErrMutexTimeout
		}
		return err
	}

	var once sync.Once
	release := func() { once.Do(m.Release) }

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("session run panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		release()
		return err
	case <-ctx.Done():
		release()
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrMutexTimeout
		}
		return ctx.Err()
	}
}

// MutexManager hands out one Mutex per session key.
type MutexManager struct {
	mu      sync.Mutex
	locks   map[string]*Mutex
	timeout time.Duration
}

// NewMutexManager creates a manager. timeout, when positive, is the
// default per-run deadline applied by Run.
func NewMutexManager(timeout time.Duration) *MutexManager {
	return &MutexManager{locks: map[string]*Mutex{}, timeout: timeout}
}

// Get returns the mutex for key, creating it on first use.
func (g *MutexManager) Get(key string) *Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.locks[key]
	if !ok {
		m = &Mutex{}
		g.locks[key] = m
	}
	return m
}

// Run executes fn under the key's mutex with the manager's default
// timeout.
func (g *MutexManager) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	return g.Get(key).Run(ctx, g.timeout, fn)
}
