// Package kernel owns the boot sequence, the maintenance tick loop,
// and the lifecycle state machine that every other subsystem hangs
// off.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/config"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/ipc"
	"github.com/flakeos/kernel/internal/ksync"
	"github.com/flakeos/kernel/internal/memory"
	"github.com/flakeos/kernel/internal/resource"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
	"github.com/flakeos/kernel/internal/timer"
	"github.com/flakeos/kernel/internal/watchdog"
)

// State is the kernel lifecycle state.
type State int32

const (
	// StateUninitialized is the state before Init.
	StateUninitialized State = iota
	// StateInitializing is the state while subsystems boot.
	StateInitializing
	// StateInitialized means subsystems are up but the maintenance
	// loop has not started.
	StateInitialized
	// StateRunning means the maintenance loop is ticking.
	StateRunning
	// StatePanic means a fatal fault was recorded; only restart
	// leaves this state.
	StatePanic
	// StateStopped is the state after a clean shutdown.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePanic:
		return "panic"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Platform bundles the hardware-facing dependencies the kernel needs.
type Platform struct {
	Runner   hal.Runner
	Watchdog hal.HardwareWatchdog
	Store    hal.Store
}

// Kernel is the system root object.
type Kernel struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	session string
	ids     *id.Namespaces
	state   atomic.Int32
	tick    atomic.Uint64

	platform Platform

	mem       *memory.Manager
	syncs     *ksync.Registry
	scheduler *sched.Scheduler
	queues    *ipc.Registry
	bus       *ipc.Bus
	timers    *timer.Manager
	resources *resource.Manager
	watchdogs *watchdog.Registry
	panics    *watchdog.Handler
	probes    []watchdog.Probe

	maintPID id.PID
	stopOnce sync.Once
	stopped  chan struct{}

	// restart replaces the process on panic; tests substitute it.
	restart func(watchdog.Info)
}

// New creates an uninitialized kernel.
func New(cfg *config.Config, platform Platform, log *logging.Logger, metrics *monitoring.Metrics) *Kernel {
	session := id.BootSession()
	return &Kernel{
		cfg:      cfg,
		log:      log.Named("kernel").WithSession(session),
		metrics:  metrics,
		session:  session,
		ids:      id.NewNamespaces(),
		platform: platform,
		stopped:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (k *Kernel) State() State {
	return State(k.state.Load())
}

// Tick returns the current kernel tick count.
func (k *Kernel) Tick() uint64 {
	return k.tick.Load()
}

// Session returns the boot-session identifier.
func (k *Kernel) Session() string {
	return k.session
}

// Subsystem accessors, valid after Init.

func (k *Kernel) Memory() *memory.Manager       { return k.mem }
func (k *Kernel) Sync() *ksync.Registry         { return k.syncs }
func (k *Kernel) Scheduler() *sched.Scheduler   { return k.scheduler }
func (k *Kernel) Queues() *ipc.Registry         { return k.queues }
func (k *Kernel) Bus() *ipc.Bus                 { return k.bus }
func (k *Kernel) Timers() *timer.Manager        { return k.timers }
func (k *Kernel) Resources() *resource.Manager  { return k.resources }
func (k *Kernel) Watchdogs() *watchdog.Registry { return k.watchdogs }
func (k *Kernel) Panics() *watchdog.Handler     { return k.panics }

// SetRestart overrides the panic restart hook. Must be called before
// Start.
func (k *Kernel) SetRestart(fn func(watchdog.Info)) {
	k.restart = fn
}

// Init boots every subsystem in dependency order. Failure leaves the
// kernel uninitialized with nothing half-built.
func (k *Kernel) Init() error {
	if !k.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("init from %s: %w", k.State(), kerr.ErrInvalidState)
	}

	k.log.Info("kernel initializing", zap.String("session", k.session))

	err := k.initSubsystems()
	if err != nil {
		k.teardown()
		k.state.Store(int32(StateUninitialized))
		k.log.Error("kernel init failed", zap.Error(err))
		return err
	}

	k.state.Store(int32(StateInitialized))
	k.log.Info("kernel initialized")
	return nil
}

func (k *Kernel) initSubsystems() error {
	var err error

	k.mem, err = memory.NewManager(memory.Budgets{
		Internal: k.cfg.Memory.InternalBytes,
		SPIRAM:   k.cfg.Memory.SPIRAMBytes,
		DMA:      k.cfg.Memory.DMABytes,
	}, k.log, k.metrics)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	k.syncs = ksync.NewRegistry(k.mem)
	k.scheduler = sched.New(k.platform.Runner, &k.ids.Process, k.cfg.Kernel.MaxPriority, k.log, k.metrics)
	k.queues = ipc.NewRegistry(&k.ids.Message, k.tick.Load, k.cfg.IPC.MaxMessageSize, k.log, k.metrics)
	k.timers = timer.NewManager(k.cfg.Kernel.TickInterval, &k.ids.Timer, k.log)
	k.resources = resource.NewManager(&k.ids.Resource, k.log)
	k.scheduler.SetTerminateHook(func(pid id.PID) {
		k.resources.CleanupForProcess(pid)
	})

	k.panics = watchdog.NewHandler(k.session, k.tick.Load, k.platform.Store, k.log, k.metrics)
	k.panics.SetSnapshot(k.snapshot)
	k.panics.SetOnPanic(k.onPanic)
	k.watchdogs = watchdog.NewRegistry(&k.ids.Watchdog, k.panics, k.log, k.metrics)

	k.probes = []watchdog.Probe{
		watchdog.NewHeapProbe(k.mem.TotalFree,
			k.cfg.Memory.LowWatermark*4, k.cfg.Memory.LowWatermark,
			k.panics, k.log),
		watchdog.NewStackProbe(k.stackSamples, k.cfg.Watchdog.StackFloor, k.panics, k.log),
	}

	k.bus, err = ipc.NewBus(k.cfg.IPC.EventBuffer, k.cfg.IPC.MaxEventSize, &k.ids.Subscription, k.tick.Load, k.log, k.metrics)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	if err := k.platform.Watchdog.Arm(k.cfg.Watchdog.HardwareTimeout); err != nil {
		return fmt.Errorf("hardware watchdog: %w", err)
	}
	return nil
}

func (k *Kernel) teardown() {
	k.mem = nil
	k.syncs = nil
	k.scheduler = nil
	k.queues = nil
	k.bus = nil
	k.timers = nil
	k.resources = nil
	k.watchdogs = nil
	k.panics = nil
	k.probes = nil
}

// Start launches the maintenance process and enters the running
// state. The kernel must be initialized.
func (k *Kernel) Start() error {
	if k.State() != StateInitialized {
		return fmt.Errorf("start from %s: %w", k.State(), kerr.ErrInvalidState)
	}

	pid, err := k.scheduler.Create("kernel.maint", k.maintain,
		k.cfg.Kernel.ThreadStack, k.cfg.Kernel.MaxPriority-1)
	if err != nil {
		return fmt.Errorf("maintenance process: %w", err)
	}
	k.maintPID = pid
	k.state.Store(int32(StateRunning))

	k.log.Info("kernel started",
		zap.Uint32("maint_pid", uint32(pid)),
		zap.Duration("tick_interval", k.cfg.Kernel.TickInterval))
	return nil
}

// maintain is the maintenance process body: one pass of kernel
// housekeeping per tick.
func (k *Kernel) maintain(p *sched.Proc) {
	ticker := time.NewTicker(k.cfg.Kernel.TickInterval)
	defer ticker.Stop()

	for p.Yield() {
		select {
		case <-ticker.C:
			k.tickOnce()
		case <-k.stopped:
			return
		}
	}
}

// tickOnce runs one maintenance pass. Exported through TickForTest
// semantics only via the tick counter; production callers never call
// into it directly.
func (k *Kernel) tickOnce() {
	start := time.Now()
	now := k.tick.Add(1)

	k.scheduler.Tick()
	k.timers.Tick(now)
	k.bus.Dispatch()
	k.watchdogs.CheckTimeouts(start)
	for _, probe := range k.probes {
		probe.Check()
	}
	if err := k.platform.Watchdog.Feed(); err != nil {
		k.log.Warn("hardware watchdog feed failed", zap.Error(err))
	}

	k.metrics.TicksTotal.Inc()
	k.metrics.TickDuration.Observe(time.Since(start).Seconds())
	k.metrics.UpdateUptime()
}

// Shutdown stops the kernel cleanly. Valid only from the running
// state.
func (k *Kernel) Shutdown() error {
	if k.State() != StateRunning {
		return fmt.Errorf("shutdown from %s: %w", k.State(), kerr.ErrInvalidState)
	}

	k.stop()
	k.state.Store(int32(StateStopped))

	for _, info := range k.scheduler.List() {
		if err := k.scheduler.Terminate(info.PID); err != nil {
			k.log.Warn("process did not terminate",
				zap.Uint32("pid", uint32(info.PID)), zap.Error(err))
		}
	}
	if err := k.platform.Watchdog.Disarm(); err != nil {
		k.log.Warn("hardware watchdog disarm failed", zap.Error(err))
	}

	k.log.Info("kernel stopped", zap.Uint64("ticks", k.tick.Load()))
	return nil
}

func (k *Kernel) stop() {
	k.stopOnce.Do(func() { close(k.stopped) })
}

// onPanic is the panic escalation path. Non-fatal reasons are already
// recorded by the handler; the kernel keeps running. Fatal reasons
// freeze the tick loop, flip to the panic state, and schedule the
// platform restart.
func (k *Kernel) onPanic(info watchdog.Info) {
	if !info.Reason.Fatal() {
		k.log.Warn("panic recorded, continuing",
			zap.String("reason", string(info.Reason)),
			zap.String("origin", info.Origin))
		return
	}

	k.state.Store(int32(StatePanic))
	k.stop()

	k.log.Error("entering panic state",
		zap.String("reason", string(info.Reason)),
		zap.Duration("restart_delay", k.cfg.Watchdog.RestartDelay))

	restart := k.restart
	if restart == nil {
		restart = func(watchdog.Info) {
			k.log.Error("no restart hook configured, halting")
		}
	}
	time.AfterFunc(k.cfg.Watchdog.RestartDelay, func() { restart(info) })
}

// snapshot collects system state for crash dumps.
func (k *Kernel) snapshot() map[string]any {
	snap := map[string]any{
		"tick":       k.tick.Load(),
		"state":      k.State().String(),
		"free_bytes": k.mem.TotalFree(),
		"processes":  k.scheduler.Count(),
		"queues":     k.queues.Count(),
		"watchdogs":  k.watchdogs.Count(),
	}
	if stats, err := k.mem.PoolStats(memory.PoolInternal); err == nil {
		snap["internal_used"] = stats.UsedBytes
	}
	return snap
}

// stackSamples reports per-process stack headroom. The host platform
// cannot measure goroutine stacks, so the recorded budget stands in;
// real targets substitute measured high-water marks.
func (k *Kernel) stackSamples() []watchdog.StackSample {
	infos := k.scheduler.List()
	samples := make([]watchdog.StackSample, 0, len(infos))
	for _, info := range infos {
		samples = append(samples, watchdog.StackSample{
			Name:     info.Name,
			Headroom: info.StackSize,
		})
	}
	return samples
}
