// Package memory implements the typed multi-pool memory manager.
//
// Allocations are drawn from one of three pools, each with its own
// byte budget and statistics. The manager accounts every block it
// hands out, so pool exhaustion surfaces as an error instead of
// starving unrelated subsystems.
package memory

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Pool selects which memory region an allocation is drawn from.
type Pool int

const (
	// PoolInternal is fast on-chip memory for hot-path structures.
	PoolInternal Pool = iota
	// PoolSPIRAM is large external memory for bulk buffers.
	PoolSPIRAM
	// PoolDMA is memory safe to hand to peripherals.
	PoolDMA

	poolCount
)

// String returns the pool name used in logs and metrics.
func (p Pool) String() string {
	switch p {
	case PoolInternal:
		return "internal"
	case PoolSPIRAM:
		return "spiram"
	case PoolDMA:
		return "dma"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	TotalBytes       int
	FreeBytes        int
	UsedBytes        int
	LargestFreeBlock int
	Allocations      uint64
	Deallocations    uint64
}

// Block is a tracked allocation. Callers use Bytes for the payload and
// pass the block back to Free or Realloc.
type Block struct {
	data []byte
	pool Pool
}

// Bytes returns the block payload.
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the payload length in bytes.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Pool returns the pool the block was drawn from.
func (b *Block) Pool() Pool {
	if b == nil {
		return PoolInternal
	}
	return b.pool
}

type poolState struct {
	budget  int
	used    int
	allocs  uint64
	frees   uint64
	blocks  map[*Block]struct{}
	largest int
}

// Budgets sets the byte budget per pool.
type Budgets struct {
	Internal int
	SPIRAM   int
	DMA      int
}

// Manager tracks allocations across the three pools.
type Manager struct {
	mu      sync.Mutex
	pools   [poolCount]*poolState
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewManager creates a manager with the given pool budgets.
func NewManager(budgets Budgets, log *logging.Logger, metrics *monitoring.Metrics) (*Manager, error) {
	if budgets.Internal <= 0 || budgets.SPIRAM < 0 || budgets.DMA < 0 {
		return nil, fmt.Errorf("pool budgets %+v: %w", budgets, kerr.ErrInvalidParam)
	}

	m := &Manager{
		log:     log.Named("memory"),
		metrics: metrics,
	}
	for p, budget := range map[Pool]int{
		PoolInternal: budgets.Internal,
		PoolSPIRAM:   budgets.SPIRAM,
		PoolDMA:      budgets.DMA,
	} {
		m.pools[p] = &poolState{
			budget: budget,
			blocks: make(map[*Block]struct{}),
		}
	}

	m.log.Info("memory manager initialized",
		zap.Int("internal_bytes", budgets.Internal),
		zap.Int("spiram_bytes", budgets.SPIRAM),
		zap.Int("dma_bytes", budgets.DMA))
	return m, nil
}

// Alloc reserves size bytes from pool. The returned payload is not
// zeroed by contract even though Go zeroes fresh slices; callers that
// need zeroed memory use Calloc.
func (m *Manager) Alloc(size int, pool Pool) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc size %d: %w", size, kerr.ErrInvalidParam)
	}
	if pool < 0 || pool >= poolCount {
		return nil, fmt.Errorf("alloc pool %d: %w", int(pool), kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pools[pool]
	if ps.used+size > ps.budget {
		m.metrics.AllocFailures.WithLabelValues(pool.String()).Inc()
		m.log.Warn("allocation rejected",
			zap.String("pool", pool.String()),
			zap.Int("size", size),
			zap.Int("free", ps.budget-ps.used))
		return nil, fmt.Errorf("pool %s: %d bytes requested, %d free: %w",
			pool, size, ps.budget-ps.used, kerr.ErrOutOfMemory)
	}

	b := &Block{data: make([]byte, size), pool: pool}
	ps.blocks[b] = struct{}{}
	ps.used += size
	ps.allocs++

	m.metrics.Allocations.WithLabelValues(pool.String()).Inc()
	m.publishGauges(pool, ps)
	return b, nil
}

// Calloc reserves count*size zeroed bytes from pool.
func (m *Manager) Calloc(count, size int, pool Pool) (*Block, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("calloc %dx%d: %w", count, size, kerr.ErrInvalidParam)
	}
	return m.Alloc(count*size, pool)
}

// Realloc resizes a block in place, preserving the common prefix of
// the payload. Realloc(nil, n) allocates; Realloc(b, 0) frees and
// returns nil.
func (m *Manager) Realloc(b *Block, size int, pool Pool) (*Block, error) {
	if b == nil {
		return m.Alloc(size, pool)
	}
	if size == 0 {
		return nil, m.Free(b)
	}
	if size < 0 {
		return nil, fmt.Errorf("realloc size %d: %w", size, kerr.ErrInvalidParam)
	}

	nb, err := m.Alloc(size, b.pool)
	if err != nil {
		return nil, err
	}
	copy(nb.data, b.data)
	if err := m.Free(b); err != nil {
		return nil, err
	}
	return nb, nil
}

// Free releases a block back to its pool. Freeing nil or an untracked
// block is tolerated and logged rather than treated as fatal.
func (m *Manager) Free(b *Block) error {
	if b == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pools[b.pool]
	if _, ok := ps.blocks[b]; !ok {
		m.log.Warn("free of untracked block",
			zap.String("pool", b.pool.String()),
			zap.Int("size", len(b.data)))
		return nil
	}

	delete(ps.blocks, b)
	ps.used -= len(b.data)
	ps.frees++
	b.data = nil

	m.publishGauges(b.pool, ps)
	return nil
}

// PoolStats returns a snapshot of one pool.
func (m *Manager) PoolStats(pool Pool) (Stats, error) {
	if pool < 0 || pool >= poolCount {
		return Stats{}, fmt.Errorf("stats pool %d: %w", int(pool), kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pools[pool]
	return Stats{
		TotalBytes:       ps.budget,
		FreeBytes:        ps.budget - ps.used,
		UsedBytes:        ps.used,
		LargestFreeBlock: ps.budget - ps.used,
		Allocations:      ps.allocs,
		Deallocations:    ps.frees,
	}, nil
}

// TotalFree returns the free bytes summed over all pools. The panic
// probe uses it as the free-heap figure.
func (m *Manager) TotalFree() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, ps := range m.pools {
		total += ps.budget - ps.used
	}
	return total
}

// LiveBlocks returns the number of outstanding allocations.
func (m *Manager) LiveBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ps := range m.pools {
		n += len(ps.blocks)
	}
	return n
}

func (m *Manager) publishGauges(pool Pool, ps *poolState) {
	name := pool.String()
	m.metrics.PoolUsedBytes.WithLabelValues(name).Set(float64(ps.used))
	m.metrics.PoolFreeBytes.WithLabelValues(name).Set(float64(ps.budget - ps.used))
}
