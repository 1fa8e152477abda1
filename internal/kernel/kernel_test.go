package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/config"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/ipc"
	"github.com/flakeos/kernel/internal/resource"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/shared/kerr"
	"github.com/flakeos/kernel/internal/watchdog"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Kernel.TickInterval = time.Millisecond
	cfg.Watchdog.RestartDelay = 10 * time.Millisecond
	return cfg
}

func testPlatform() Platform {
	log := logging.NewNop()
	return Platform{
		Runner:   hal.NewGoRunner(),
		Watchdog: hal.NewHostWatchdog(log),
		Store:    hal.NewMemStore(),
	}
}

func newTestKernel(cfg *config.Config) *Kernel {
	return New(cfg, testPlatform(), logging.NewNop(), monitoring.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestInitBuildsSubsystems(t *testing.T) {
	k := newTestKernel(testConfig())
	assert.Equal(t, StateUninitialized, k.State())

	require.NoError(t, k.Init())
	assert.Equal(t, StateInitialized, k.State())

	assert.NotNil(t, k.Memory())
	assert.NotNil(t, k.Sync())
	assert.NotNil(t, k.Scheduler())
	assert.NotNil(t, k.Queues())
	assert.NotNil(t, k.Bus())
	assert.NotNil(t, k.Timers())
	assert.NotNil(t, k.Resources())
	assert.NotNil(t, k.Watchdogs())
	assert.NotNil(t, k.Panics())
	assert.NotEmpty(t, k.Session())

	require.NoError(t, k.Start())
	require.NoError(t, k.Shutdown())
}

func TestInitTwiceRejected(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())
	assert.ErrorIs(t, k.Init(), kerr.ErrInvalidState)
}

func TestInitFailureLeavesUninitialized(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.InternalBytes = 0 // memory manager rejects this

	k := newTestKernel(cfg)
	err := k.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)
	assert.Equal(t, StateUninitialized, k.State())
	assert.Nil(t, k.Memory())
}

func TestStartTicks(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())
	require.NoError(t, k.Start())
	assert.Equal(t, StateRunning, k.State())

	waitFor(t, func() bool { return k.Tick() > 5 })
	assert.Equal(t, 1, k.Scheduler().Count(), "maintenance process is on the table")

	require.NoError(t, k.Shutdown())
	assert.Equal(t, StateStopped, k.State())
}

func TestStartRequiresInit(t *testing.T) {
	k := newTestKernel(testConfig())
	assert.ErrorIs(t, k.Start(), kerr.ErrInvalidState)
}

func TestStartTwiceRejected(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())
	require.NoError(t, k.Start())
	assert.ErrorIs(t, k.Start(), kerr.ErrInvalidState)
	require.NoError(t, k.Shutdown())
}

func TestShutdownFromRunningOnly(t *testing.T) {
	k := newTestKernel(testConfig())
	assert.ErrorIs(t, k.Shutdown(), kerr.ErrInvalidState)

	require.NoError(t, k.Init())
	assert.ErrorIs(t, k.Shutdown(), kerr.ErrInvalidState, "initialized but not started")

	require.NoError(t, k.Start())
	require.NoError(t, k.Shutdown())
	assert.Equal(t, StateStopped, k.State())
	assert.ErrorIs(t, k.Shutdown(), kerr.ErrInvalidState)
	assert.Equal(t, 0, k.Scheduler().Count())
}

func TestTimersFireFromTickLoop(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())

	var fires atomic.Int64
	tid, err := k.Timers().Create("blink", 2*time.Millisecond, true, func() { fires.Add(1) })
	require.NoError(t, err)
	require.NoError(t, k.Timers().Start(tid, k.Tick()))

	require.NoError(t, k.Start())
	waitFor(t, func() bool { return fires.Load() >= 3 })
	require.NoError(t, k.Shutdown())
}

func TestEventsDispatchFromTickLoop(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())

	var got atomic.Int64
	_, err := k.Bus().Subscribe("power.*", func(ipc.Event) { got.Add(1) })
	require.NoError(t, err)

	require.NoError(t, k.Start())
	require.NoError(t, k.Bus().Publish("power.low", ipc.CategoryHardware, nil))

	waitFor(t, func() bool { return got.Load() == 1 })
	require.NoError(t, k.Shutdown())
}

func TestWatchdogTimeoutKernelContinues(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())

	restarted := make(chan watchdog.Info, 1)
	k.SetRestart(func(info watchdog.Info) { restarted <- info })

	_, err := k.Watchdogs().Register("starved", 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, k.Start())

	waitFor(t, func() bool {
		info, ok := k.Panics().LastInfo()
		return ok && info.Reason == watchdog.ReasonWatchdogTimeout
	})

	// A watchdog timeout is not fatal: no restart, the loop keeps
	// ticking.
	select {
	case <-restarted:
		t.Fatal("restart scheduled for a non-fatal panic")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateRunning, k.State())

	before := k.Tick()
	waitFor(t, func() bool { return k.Tick() > before })

	require.NoError(t, k.Shutdown())
}

func TestFatalPanicSchedulesRestart(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())

	restarted := make(chan watchdog.Info, 1)
	k.SetRestart(func(info watchdog.Info) { restarted <- info })

	require.NoError(t, k.Start())

	k.Panics().Trigger(watchdog.ReasonOutOfMemory, "alloc", "internal pool exhausted")

	waitFor(t, func() bool { return k.State() == StatePanic })

	info, ok := k.Panics().LastInfo()
	require.True(t, ok)
	assert.Equal(t, watchdog.ReasonOutOfMemory, info.Reason)

	select {
	case got := <-restarted:
		assert.Equal(t, watchdog.ReasonOutOfMemory, got.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("restart hook never fired")
	}

	keys, err := k.Panics().Dumps()
	require.NoError(t, err)
	assert.Len(t, keys, 1, "crash dump persisted")
}

func TestProcessDeathReleasesResources(t *testing.T) {
	k := newTestKernel(testConfig())
	require.NoError(t, k.Init())

	rid, err := k.Resources().Register("i2c0", resource.KindBus, nil)
	require.NoError(t, err)

	pid, err := k.Scheduler().Create("driver", func(p *sched.Proc) {
		for p.Yield() {
			time.Sleep(time.Millisecond)
		}
	}, 4096, 5)
	require.NoError(t, err)
	require.NoError(t, k.Resources().Acquire(rid, pid))

	require.NoError(t, k.Scheduler().Terminate(pid))

	info, err := k.Resources().Get(rid)
	require.NoError(t, err)
	assert.Zero(t, info.Owner, "dead process's resources are swept")
}
