// Package ksync provides the kernel's blocking primitives.
//
// Timeouts follow one convention everywhere: a negative duration blocks
// forever, zero polls without blocking, and a positive duration is a
// deadline after which the call fails with kerr.ErrTimeout.
//
// Mutexes are owned, recursive, and never safe to use from interrupt
// context. Semaphores have distinct task-side and ISR-side entry
// points; the ISR side never blocks.
package ksync

import (
	"fmt"
	"sync"
	"time"

	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Forever blocks without a deadline.
const Forever = time.Duration(-1)

// NoWait polls without blocking.
const NoWait = time.Duration(0)

// Mutex is a recursive mutual-exclusion lock owned by a process. The
// same owner may lock it repeatedly; it unlocks when the depth returns
// to zero. Mutexes must not be touched from interrupt context.
type Mutex struct {
	name string

	slot chan struct{}

	mu    sync.Mutex
	owner id.PID
	depth int
}

// NewMutex creates an unlocked recursive mutex.
func NewMutex(name string) (*Mutex, error) {
	if name == "" {
		return nil, fmt.Errorf("mutex name: %w", kerr.ErrInvalidParam)
	}
	return &Mutex{
		name: name,
		slot: make(chan struct{}, 1),
	}, nil
}

// Name returns the mutex name.
func (m *Mutex) Name() string { return m.name }

// Lock acquires the mutex for owner, waiting up to timeout. A repeat
// lock by the current owner increments the recursion depth and returns
// immediately.
func (m *Mutex) Lock(owner id.PID, timeout time.Duration) error {
	if owner == 0 {
		return fmt.Errorf("mutex %q: zero owner: %w", m.name, kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	if m.owner == owner {
		m.depth++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := acquire(m.slot, timeout); err != nil {
		return fmt.Errorf("mutex %q: %w", m.name, err)
	}

	m.mu.Lock()
	m.owner = owner
	m.depth = 1
	m.mu.Unlock()
	return nil
}

// Unlock releases one level of the mutex. Only the owner may unlock;
// the lock is released to waiters when the depth reaches zero.
func (m *Mutex) Unlock(owner id.PID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner == 0 {
		return fmt.Errorf("mutex %q: not locked: %w", m.name, kerr.ErrInvalidState)
	}
	if m.owner != owner {
		return fmt.Errorf("mutex %q: unlock by non-owner %d: %w", m.name, owner, kerr.ErrInvalidState)
	}

	m.depth--
	if m.depth == 0 {
		m.owner = 0
		<-m.slot
	}
	return nil
}

// Owner returns the current owner, or 0 when unlocked.
func (m *Mutex) Owner() id.PID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Semaphore is a counting semaphore. Take blocks task-side callers;
// Give and GiveFromISR release a count, with the ISR variant
// guaranteed never to block.
type Semaphore struct {
	name   string
	counts chan struct{}
}

// NewSemaphore creates a counting semaphore with the given maximum and
// initial count.
func NewSemaphore(name string, max, initial int) (*Semaphore, error) {
	if name == "" {
		return nil, fmt.Errorf("semaphore name: %w", kerr.ErrInvalidParam)
	}
	if max <= 0 || initial < 0 || initial > max {
		return nil, fmt.Errorf("semaphore %q: max %d initial %d: %w", name, max, initial, kerr.ErrInvalidParam)
	}

	s := &Semaphore{
		name:   name,
		counts: make(chan struct{}, max),
	}
	for i := 0; i < initial; i++ {
		s.counts <- struct{}{}
	}
	return s, nil
}

// NewBinarySemaphore creates a semaphore with max count 1, initially
// empty. The canonical ISR-to-task signalling primitive.
func NewBinarySemaphore(name string) (*Semaphore, error) {
	return NewSemaphore(name, 1, 0)
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Take consumes one count, waiting up to timeout.
func (s *Semaphore) Take(timeout time.Duration) error {
	if err := consume(s.counts, timeout); err != nil {
		return fmt.Errorf("semaphore %q: %w", s.name, err)
	}
	return nil
}

// Give releases one count from task context.
func (s *Semaphore) Give() error {
	select {
	case s.counts <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("semaphore %q: count already at maximum: %w", s.name, kerr.ErrGeneric)
	}
}

// GiveFromISR releases one count from interrupt context. It never
// blocks and never allocates.
func (s *Semaphore) GiveFromISR() error {
	select {
	case s.counts <- struct{}{}:
		return nil
	default:
		return kerr.ErrGeneric
	}
}

// Count returns the counts currently available.
func (s *Semaphore) Count() int {
	return len(s.counts)
}

// acquire and consume implement the shared timeout convention over a
// token channel: acquire deposits a token, consume withdraws one.

func acquire(ch chan struct{}, timeout time.Duration) error {
	switch {
	case timeout < 0:
		ch <- struct{}{}
		return nil
	case timeout == 0:
		select {
		case ch <- struct{}{}:
			return nil
		default:
			return kerr.ErrTimeout
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
			return nil
		case <-timer.C:
			return kerr.ErrTimeout
		}
	}
}

func consume(ch chan struct{}, timeout time.Duration) error {
	switch {
	case timeout < 0:
		<-ch
		return nil
	case timeout == 0:
		select {
		case <-ch:
			return nil
		default:
			return kerr.ErrTimeout
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
			return nil
		case <-timer.C:
			return kerr.ErrTimeout
		}
	}
}
