package ksync

import (
	"fmt"
	"sync"

	"github.com/flakeos/kernel/internal/memory"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Record sizes charged against the internal pool per primitive, sized
// after the C control blocks they stand in for.
const (
	mutexRecordSize     = 48
	semaphoreRecordSize = 64
)

// Registry creates and destroys primitives, charging each one's
// control block against the memory manager's internal pool so leaked
// primitives show up in pool statistics.
type Registry struct {
	mu     sync.Mutex
	mem    *memory.Manager
	blocks map[any]*memory.Block
}

// NewRegistry creates a primitive registry backed by mem.
func NewRegistry(mem *memory.Manager) *Registry {
	return &Registry{
		mem:    mem,
		blocks: make(map[any]*memory.Block),
	}
}

// CreateMutex allocates and returns a new recursive mutex.
func (r *Registry) CreateMutex(name string) (*Mutex, error) {
	block, err := r.mem.Alloc(mutexRecordSize, memory.PoolInternal)
	if err != nil {
		return nil, fmt.Errorf("mutex %q: %w", name, err)
	}
	m, err := NewMutex(name)
	if err != nil {
		_ = r.mem.Free(block)
		return nil, err
	}

	r.mu.Lock()
	r.blocks[m] = block
	r.mu.Unlock()
	return m, nil
}

// CreateSemaphore allocates and returns a new counting semaphore.
func (r *Registry) CreateSemaphore(name string, max, initial int) (*Semaphore, error) {
	block, err := r.mem.Alloc(semaphoreRecordSize, memory.PoolInternal)
	if err != nil {
		return nil, fmt.Errorf("semaphore %q: %w", name, err)
	}
	s, err := NewSemaphore(name, max, initial)
	if err != nil {
		_ = r.mem.Free(block)
		return nil, err
	}

	r.mu.Lock()
	r.blocks[s] = block
	r.mu.Unlock()
	return s, nil
}

// CreateBinarySemaphore allocates a semaphore with max count 1,
// initially empty.
func (r *Registry) CreateBinarySemaphore(name string) (*Semaphore, error) {
	return r.CreateSemaphore(name, 1, 0)
}

// Destroy releases a primitive created by this registry, returning
// its control block to the pool. The primitive must not be in use.
func (r *Registry) Destroy(primitive any) error {
	r.mu.Lock()
	block, ok := r.blocks[primitive]
	if ok {
		delete(r.blocks, primitive)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("primitive not registered: %w", kerr.ErrNotFound)
	}
	return r.mem.Free(block)
}

// Count returns the number of live primitives.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}
