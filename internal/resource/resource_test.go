package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

func newTestManager() *Manager {
	return NewManager(&id.Generator{}, logging.NewNop())
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager()

	var released int
	rid, err := m.Register("i2c0", KindBus, func() { released++ })
	require.NoError(t, err)

	require.NoError(t, m.Acquire(rid, id.PID(5)))

	info, err := m.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, id.PID(5), info.Owner)
	assert.Equal(t, uint64(1), info.Acquires)

	// Already owned, even by the same pid.
	assert.ErrorIs(t, m.Acquire(rid, id.PID(5)), kerr.ErrInvalidState)
	assert.ErrorIs(t, m.Acquire(rid, id.PID(6)), kerr.ErrInvalidState)

	require.NoError(t, m.Release(rid, id.PID(5)))
	assert.Equal(t, 1, released)

	info, err = m.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, id.PID(0), info.Owner)
}

func TestReleaseByNonOwner(t *testing.T) {
	m := newTestManager()

	rid, err := m.Register("spi0", KindBus, nil)
	require.NoError(t, err)
	require.NoError(t, m.Acquire(rid, id.PID(5)))

	assert.ErrorIs(t, m.Release(rid, id.PID(6)), kerr.ErrInvalidState)
}

func TestCleanupForProcess(t *testing.T) {
	m := newTestManager()

	var released []string
	r1, err := m.Register("i2c0", KindBus, func() { released = append(released, "i2c0") })
	require.NoError(t, err)
	r2, err := m.Register("spi0", KindBus, func() { released = append(released, "spi0") })
	require.NoError(t, err)
	r3, err := m.Register("uart0", KindPeripheral, nil)
	require.NoError(t, err)

	require.NoError(t, m.Acquire(r1, id.PID(5)))
	require.NoError(t, m.Acquire(r2, id.PID(5)))
	require.NoError(t, m.Acquire(r3, id.PID(9)))

	n := m.CleanupForProcess(id.PID(5))
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"i2c0", "spi0"}, released)

	// The survivor keeps its resource.
	info, err := m.Get(r3)
	require.NoError(t, err)
	assert.Equal(t, id.PID(9), info.Owner)

	// Cleaned resources are acquirable again.
	require.NoError(t, m.Acquire(r1, id.PID(7)))
}

func TestUnregister(t *testing.T) {
	m := newTestManager()

	rid, err := m.Register("i2c0", KindBus, nil)
	require.NoError(t, err)

	require.NoError(t, m.Acquire(rid, id.PID(5)))
	assert.ErrorIs(t, m.Unregister(rid), kerr.ErrInvalidState, "owned resources cannot be unregistered")

	require.NoError(t, m.Release(rid, id.PID(5)))
	require.NoError(t, m.Unregister(rid))
	assert.Equal(t, 0, m.Count())
	assert.ErrorIs(t, m.Unregister(rid), kerr.ErrNotFound)
}

func TestValidation(t *testing.T) {
	m := newTestManager()

	_, err := m.Register("", KindBus, nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	rid, err := m.Register("i2c0", KindBus, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Acquire(rid, id.PID(0)), kerr.ErrInvalidParam)
	assert.ErrorIs(t, m.Acquire(id.ResourceID(999), id.PID(1)), kerr.ErrNotFound)
	assert.ErrorIs(t, m.Release(id.ResourceID(999), id.PID(1)), kerr.ErrNotFound)
}
