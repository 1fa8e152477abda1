package ksync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/memory"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

func newTestMemory(t *testing.T, internal int) *memory.Manager {
	t.Helper()
	m, err := memory.NewManager(memory.Budgets{Internal: internal},
		logging.NewNop(), monitoring.NewNop())
	require.NoError(t, err)
	return m
}

func TestRegistryChargesPool(t *testing.T) {
	mem := newTestMemory(t, 1024)
	r := NewRegistry(mem)

	mtx, err := r.CreateMutex("bus")
	require.NoError(t, err)
	sem, err := r.CreateSemaphore("slots", 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	stats, err := mem.PoolStats(memory.PoolInternal)
	require.NoError(t, err)
	assert.Equal(t, mutexRecordSize+semaphoreRecordSize, stats.UsedBytes)

	require.NoError(t, r.Destroy(mtx))
	require.NoError(t, r.Destroy(sem))
	assert.Equal(t, 0, r.Count())

	stats, err = mem.PoolStats(memory.PoolInternal)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UsedBytes)
}

func TestRegistryCreateFailsWhenPoolExhausted(t *testing.T) {
	mem := newTestMemory(t, mutexRecordSize)
	r := NewRegistry(mem)

	_, err := r.CreateMutex("first")
	require.NoError(t, err)

	_, err = r.CreateMutex("second")
	assert.ErrorIs(t, err, kerr.ErrOutOfMemory)
	_, err = r.CreateSemaphore("slots", 1, 0)
	assert.ErrorIs(t, err, kerr.ErrOutOfMemory)
}

func TestRegistryBadParamsReleaseBlock(t *testing.T) {
	mem := newTestMemory(t, 1024)
	r := NewRegistry(mem)

	_, err := r.CreateMutex("")
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)
	_, err = r.CreateSemaphore("s", 0, 0)
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	stats, err := mem.PoolStats(memory.PoolInternal)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UsedBytes, "failed creates must not leak pool bytes")
}

func TestRegistryDestroyUnknown(t *testing.T) {
	mem := newTestMemory(t, 1024)
	r := NewRegistry(mem)

	m, err := NewMutex("loose")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Destroy(m), kerr.ErrNotFound)
}
