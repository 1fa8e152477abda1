package ipc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	var tick atomic.Uint64
	b, err := NewBus(capacity, 64, &id.Generator{}, tick.Load, logging.NewNop(), monitoring.NewNop())
	require.NoError(t, err)
	return b
}

func TestPublishAndDispatch(t *testing.T) {
	b := newTestBus(t, 8)

	var got []string
	_, err := b.Subscribe("power.low", func(ev Event) {
		assert.Equal(t, CategoryHardware, ev.Category)
		got = append(got, ev.Name)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("power.low", CategoryHardware, []byte{1}))
	require.NoError(t, b.Publish("power.high", CategoryHardware, nil))
	assert.Equal(t, 2, b.Pending())

	b.Dispatch()
	assert.Equal(t, []string{"power.low"}, got)
	assert.Equal(t, 0, b.Pending())

	// Dispatch drains; a second pass delivers nothing new.
	b.Dispatch()
	assert.Len(t, got, 1)
}

func TestSubscribePrefixPattern(t *testing.T) {
	b := newTestBus(t, 8)

	var got []string
	_, err := b.Subscribe("power.*", func(ev Event) {
		got = append(got, ev.Name)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("power.low", CategoryHardware, nil))
	require.NoError(t, b.Publish("power.charger.attached", CategoryHardware, nil))
	require.NoError(t, b.Publish("thermal.high", CategoryHardware, nil))
	require.NoError(t, b.Publish("power", CategoryHardware, nil))

	b.Dispatch()
	assert.Equal(t, []string{"power.low", "power.charger.attached"}, got)
}

func TestDispatchSubscriptionOrder(t *testing.T) {
	b := newTestBus(t, 8)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, err := b.Subscribe("tick", func(Event) { order = append(order, i) })
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish("tick", CategorySystem, nil))
	b.Dispatch()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPublishOverflowDropsOldest(t *testing.T) {
	b := newTestBus(t, 2)

	require.NoError(t, b.Publish("e1", CategorySystem, nil))
	require.NoError(t, b.Publish("e2", CategorySystem, nil))

	err := b.Publish("e3", CategorySystem, nil)
	assert.ErrorIs(t, err, kerr.ErrTimeout)
	assert.Equal(t, 2, b.Pending())

	var got []string
	_, err = b.Subscribe("e2", func(ev Event) { got = append(got, ev.Name) })
	require.NoError(t, err)
	_, err = b.Subscribe("e3", func(ev Event) { got = append(got, ev.Name) })
	require.NoError(t, err)
	_, err = b.Subscribe("e1", func(ev Event) { got = append(got, ev.Name) })
	require.NoError(t, err)

	b.Dispatch()
	assert.Equal(t, []string{"e2", "e3"}, got, "oldest event was dropped to admit the newest")
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t, 8)

	var calls int
	sid, err := b.Subscribe("tick", func(Event) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Unsubscribe(sid))
	assert.Equal(t, 0, b.Subscribers())

	assert.ErrorIs(t, b.Unsubscribe(sid), kerr.ErrNotFound)
	assert.ErrorIs(t, b.Unsubscribe(id.SubscriptionID(999)), kerr.ErrNotFound)

	require.NoError(t, b.Publish("tick", CategorySystem, nil))
	b.Dispatch()
	assert.Zero(t, calls)
}

func TestBusValidation(t *testing.T) {
	var tick atomic.Uint64
	_, err := NewBus(0, 64, &id.Generator{}, tick.Load, logging.NewNop(), monitoring.NewNop())
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	_, err = NewBus(8, 0, &id.Generator{}, tick.Load, logging.NewNop(), monitoring.NewNop())
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	b := newTestBus(t, 4)
	assert.ErrorIs(t, b.Publish("", CategorySystem, nil), kerr.ErrInvalidParam)

	err = b.Publish("big", CategorySystem, make([]byte, 65))
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)
	assert.Equal(t, 0, b.Pending())
	require.NoError(t, b.Publish("fits", CategorySystem, make([]byte, 64)))

	_, err = b.Subscribe("", func(Event) {})
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	_, err = b.Subscribe("tick", nil)
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)
}
