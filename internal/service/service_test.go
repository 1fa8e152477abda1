package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

func newTestManager() *Manager {
	log := logging.NewNop()
	metrics := monitoring.NewNop()
	scheduler := sched.New(hal.NewGoRunner(), &id.Generator{}, 25, log, metrics)
	return NewManager(scheduler, &id.Generator{}, log, metrics)
}

func callbackService(name string, deps ...string) Definition {
	return Definition{Name: name, DependsOn: deps, AutoStart: true}
}

func workerService(name string, deps ...string) Definition {
	return Definition{
		Name:      name,
		DependsOn: deps,
		AutoStart: true,
		StackSize: 4096,
		Priority:  5,
		Entry: func(p *sched.Proc) {
			for p.Yield() {
				time.Sleep(time.Millisecond)
			}
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager()

	_, err := m.Register(Definition{})
	assert.ErrorIs(t, err, kerr.ErrInvalidParam)

	_, err = m.Register(Definition{Name: "a", StackSize: 4096})
	assert.ErrorIs(t, err, kerr.ErrInvalidParam, "stack without entry")

	_, err = m.Register(Definition{Name: "a", Entry: func(*sched.Proc) {}})
	assert.ErrorIs(t, err, kerr.ErrInvalidParam, "entry without stack")

	_, err = m.Register(callbackService("a"))
	require.NoError(t, err)
	_, err = m.Register(callbackService("a"))
	assert.ErrorIs(t, err, kerr.ErrInvalidParam, "duplicate name")
}

func TestStartStopCallbackOnly(t *testing.T) {
	m := newTestManager()

	var events []string
	def := callbackService("storage")
	def.OnStart = func() error { events = append(events, "start"); return nil }
	def.OnStop = func() error { events = append(events, "stop"); return nil }

	_, err := m.Register(def)
	require.NoError(t, err)

	require.NoError(t, m.Start("storage"))
	assert.True(t, m.IsRunning("storage"))

	info, err := m.FindByName("storage")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.Zero(t, info.PID, "callback-only services have no process")

	assert.ErrorIs(t, m.Start("storage"), kerr.ErrInvalidState)

	require.NoError(t, m.Stop("storage"))
	assert.False(t, m.IsRunning("storage"))
	assert.Equal(t, []string{"start", "stop"}, events)

	// Stopping an already stopped service is a no-op.
	require.NoError(t, m.Stop("storage"))
	assert.Equal(t, []string{"start", "stop"}, events)
}

func TestWorkerServiceGetsProcess(t *testing.T) {
	m := newTestManager()

	_, err := m.Register(workerService("netpoll"))
	require.NoError(t, err)
	require.NoError(t, m.Start("netpoll"))

	info, err := m.FindByName("netpoll")
	require.NoError(t, err)
	assert.NotZero(t, info.PID)
	assert.Equal(t, 1, m.scheduler.Count())

	require.NoError(t, m.Stop("netpoll"))
	assert.Equal(t, 0, m.scheduler.Count())
}

func TestStartRequiresDepsRunning(t *testing.T) {
	m := newTestManager()

	_, err := m.Register(callbackService("storage"))
	require.NoError(t, err)
	_, err = m.Register(callbackService("settings", "storage"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Start("settings"), kerr.ErrInvalidState)

	info, err := m.FindByName("settings")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)

	require.NoError(t, m.Start("storage"))
	require.NoError(t, m.Start("settings"))
}

func TestStartAllDependencyOrder(t *testing.T) {
	m := newTestManager()

	var order []string
	mk := func(name string, deps ...string) Definition {
		def := callbackService(name, deps...)
		def.OnStart = func() error { order = append(order, name); return nil }
		return def
	}

	// Registered out of dependency order on purpose.
	_, err := m.Register(mk("settings", "storage"))
	require.NoError(t, err)
	_, err = m.Register(mk("ui", "settings", "storage"))
	require.NoError(t, err)
	_, err = m.Register(mk("storage"))
	require.NoError(t, err)

	require.NoError(t, m.StartAll())
	assert.Equal(t, []string{"storage", "settings", "ui"}, order)
	assert.True(t, m.IsRunning("ui"))
}

func TestStartAllCriticalFailureAborts(t *testing.T) {
	m := newTestManager()

	boom := errors.New("flash not responding")
	def := callbackService("storage")
	def.Critical = true
	def.OnStart = func() error { return boom }
	_, err := m.Register(def)
	require.NoError(t, err)

	_, err = m.Register(callbackService("telemetry"))
	require.NoError(t, err)

	err = m.StartAll()
	assert.ErrorIs(t, err, boom)

	info, err := m.FindByName("storage")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)
}

func TestStartAllOptionalFailureContinues(t *testing.T) {
	m := newTestManager()

	def := callbackService("telemetry")
	def.OnStart = func() error { return errors.New("no uplink") }
	_, err := m.Register(def)
	require.NoError(t, err)

	_, err = m.Register(callbackService("storage"))
	require.NoError(t, err)

	require.NoError(t, m.StartAll())
	assert.True(t, m.IsRunning("storage"))

	info, err := m.FindByName("telemetry")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)
}

func TestStartAllUnsatisfiableDeps(t *testing.T) {
	m := newTestManager()

	_, err := m.Register(callbackService("a", "ghost"))
	require.NoError(t, err)

	require.NoError(t, m.StartAll(), "optional service with missing dep is tolerated")
	info, err := m.FindByName("a")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)

	def := callbackService("b", "ghost")
	def.Critical = true
	_, err = m.Register(def)
	require.NoError(t, err)

	assert.Error(t, m.StartAll(), "critical service with missing dep aborts")
}

func TestStopAllReverseOrder(t *testing.T) {
	m := newTestManager()

	var stops []string
	mk := func(name string, deps ...string) Definition {
		def := callbackService(name, deps...)
		def.OnStop = func() error { stops = append(stops, name); return nil }
		return def
	}

	_, err := m.Register(mk("storage"))
	require.NoError(t, err)
	_, err = m.Register(mk("settings", "storage"))
	require.NoError(t, err)
	_, err = m.Register(mk("ui", "settings"))
	require.NoError(t, err)

	require.NoError(t, m.StartAll())
	m.StopAll()

	assert.Equal(t, []string{"ui", "settings", "storage"}, stops)
	for _, info := range m.List() {
		assert.Equal(t, StateStopped, info.State)
	}
}

func TestInitAndDeinitCallbacks(t *testing.T) {
	m := newTestManager()

	var events []string
	def := callbackService("storage")
	def.OnInit = func() error { events = append(events, "init"); return nil }
	def.OnStart = func() error { events = append(events, "start"); return nil }
	def.OnStop = func() error { events = append(events, "stop"); return nil }
	def.OnDeinit = func() error { events = append(events, "deinit"); return nil }

	_, err := m.Register(def)
	require.NoError(t, err)

	require.NoError(t, m.Start("storage"))
	require.NoError(t, m.Stop("storage"))
	assert.Equal(t, []string{"init", "start", "stop", "deinit"}, events)
}

func TestInitFailureLeavesError(t *testing.T) {
	m := newTestManager()

	started := false
	def := callbackService("storage")
	def.OnInit = func() error { return errors.New("flash mount failed") }
	def.OnStart = func() error { started = true; return nil }

	_, err := m.Register(def)
	require.NoError(t, err)

	require.Error(t, m.Start("storage"))
	assert.False(t, started, "start callback must not run after failed init")

	info, err := m.FindByName("storage")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)
}

func TestStartAllSkipsManualServices(t *testing.T) {
	m := newTestManager()

	auto := callbackService("storage")
	manual := callbackService("debugconsole")
	manual.AutoStart = false

	_, err := m.Register(auto)
	require.NoError(t, err)
	_, err = m.Register(manual)
	require.NoError(t, err)

	require.NoError(t, m.StartAll())
	assert.True(t, m.IsRunning("storage"))
	assert.False(t, m.IsRunning("debugconsole"))

	require.NoError(t, m.Start("debugconsole"))
	assert.True(t, m.IsRunning("debugconsole"))
}

func TestRestart(t *testing.T) {
	m := newTestManager()

	starts := 0
	def := callbackService("storage")
	def.OnStart = func() error { starts++; return nil }
	_, err := m.Register(def)
	require.NoError(t, err)

	require.NoError(t, m.Start("storage"))
	require.NoError(t, m.Restart("storage"))
	assert.Equal(t, 2, starts)
	assert.True(t, m.IsRunning("storage"))

	require.NoError(t, m.Stop("storage"))

	// Restart of a stopped service degenerates to a plain start.
	require.NoError(t, m.Restart("storage"))
	assert.Equal(t, 3, starts)
	assert.True(t, m.IsRunning("storage"))
}

func TestNotifyCrash(t *testing.T) {
	m := newTestManager()

	_, err := m.Register(workerService("netpoll"))
	require.NoError(t, err)
	require.NoError(t, m.Start("netpoll"))

	require.NoError(t, m.NotifyCrash("netpoll"))

	info, err := m.FindByName("netpoll")
	require.NoError(t, err)
	assert.Equal(t, StateError, info.State)
	assert.Equal(t, uint64(1), info.Crashes)
	assert.False(t, m.IsRunning("netpoll"))

	assert.ErrorIs(t, m.NotifyCrash("ghost"), kerr.ErrNotFound)

	// Recovery: a crashed service can be started again.
	require.NoError(t, m.Start("netpoll"))
	info, err = m.FindByName("netpoll")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
}
