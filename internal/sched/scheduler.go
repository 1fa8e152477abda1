// Package sched maintains the process table over the platform runner.
//
// A process is a named execution context with a priority and a
// recorded stack budget. The underlying preemption is the platform's;
// the scheduler's job is bookkeeping: identity, lifecycle, and
// run-time accounting on each kernel tick.
package sched

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// State is a process lifecycle state.
type State int

const (
	// StateReady means the process is runnable.
	StateReady State = iota
	// StateSuspended means the process is parked until resumed.
	StateSuspended
	// StateTerminated means the process has been killed or returned.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EntryFunc is a process body. It must call proc.Yield at its
// suspension points and return when Yield reports false.
type EntryFunc func(proc *Proc)

// Proc is the handle a process body uses to interact with the
// scheduler: its identity plus the cooperative yield point.
type Proc struct {
	pid  id.PID
	name string
	task hal.Task
}

// PID returns the process id.
func (p *Proc) PID() id.PID { return p.pid }

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Yield parks while suspended and reports whether to keep running.
func (p *Proc) Yield() bool { return p.task.Yield() }

// Info is a snapshot of one process table entry.
type Info struct {
	PID       id.PID
	Name      string
	Priority  int
	StackSize int
	State     State
	CreatedAt time.Time
	RunTicks  uint64
}

type record struct {
	info Info
	task hal.Task
}

// Scheduler owns the process table.
type Scheduler struct {
	mu    sync.Mutex
	procs map[id.PID]*record

	runner      hal.Runner
	ids         *id.Generator
	maxPriority int
	onTerminate func(id.PID)

	log     *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a scheduler with an empty process table.
func New(runner hal.Runner, ids *id.Generator, maxPriority int, log *logging.Logger, metrics *monitoring.Metrics) *Scheduler {
	return &Scheduler{
		procs:       make(map[id.PID]*record),
		runner:      runner,
		ids:         ids,
		maxPriority: maxPriority,
		log:         log.Named("sched"),
		metrics:     metrics,
	}
}

// SetTerminateHook registers a callback invoked after every process
// termination, with the table lock released. Used for resource
// cleanup. Must be set before processes are created.
func (s *Scheduler) SetTerminateHook(fn func(id.PID)) {
	s.onTerminate = fn
}

// Create starts a new process and returns its pid.
func (s *Scheduler) Create(name string, entry EntryFunc, stackSize, priority int) (id.PID, error) {
	if name == "" || entry == nil {
		return 0, fmt.Errorf("process create: %w", kerr.ErrInvalidParam)
	}
	if stackSize <= 0 {
		return 0, fmt.Errorf("process %q: stack %d: %w", name, stackSize, kerr.ErrInvalidParam)
	}
	if priority < 0 || priority > s.maxPriority {
		return 0, fmt.Errorf("process %q: priority %d: %w", name, priority, kerr.ErrInvalidParam)
	}

	pid := id.PID(s.ids.Next())
	proc := &Proc{pid: pid, name: name}

	// The body waits for the table entry so a fast-exiting process
	// cannot reap itself before it is published.
	published := make(chan struct{})
	task, err := s.runner.Spawn(name, func(hal.Task) {
		<-published
		entry(proc)
		s.reap(pid)
	})
	if err != nil {
		return 0, fmt.Errorf("process %q: backing task (%v): %w", name, err, kerr.ErrOutOfMemory)
	}
	proc.task = task

	rec := &record{
		info: Info{
			PID:       pid,
			Name:      name,
			Priority:  priority,
			StackSize: stackSize,
			State:     StateReady,
			CreatedAt: time.Now(),
		},
		task: task,
	}

	s.mu.Lock()
	s.procs[pid] = rec
	s.mu.Unlock()
	close(published)

	s.metrics.ProcessesTotal.Inc()
	s.metrics.ProcessesActive.Inc()
	s.log.Info("process created",
		zap.Uint32("pid", uint32(pid)),
		zap.String("name", name),
		zap.Int("priority", priority),
		zap.Int("stack", stackSize))
	return pid, nil
}

// Terminate kills a process and removes it from the table.
func (s *Scheduler) Terminate(pid id.PID) error {
	s.mu.Lock()
	rec, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pid %d: %w", pid, kerr.ErrNotFound)
	}
	delete(s.procs, pid)
	rec.info.State = StateTerminated
	s.mu.Unlock()

	rec.task.Kill()
	s.metrics.ProcessesActive.Dec()
	s.log.Info("process terminated",
		zap.Uint32("pid", uint32(pid)),
		zap.String("name", rec.info.Name))

	if s.onTerminate != nil {
		s.onTerminate(pid)
	}
	return nil
}

// Suspend parks a process at its next yield point.
func (s *Scheduler) Suspend(pid id.PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, kerr.ErrNotFound)
	}
	if rec.info.State == StateSuspended {
		return nil
	}
	rec.info.State = StateSuspended
	rec.task.Suspend()
	return nil
}

// Resume releases a suspended process.
func (s *Scheduler) Resume(pid id.PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, kerr.ErrNotFound)
	}
	if rec.info.State != StateSuspended {
		return fmt.Errorf("pid %d is %s: %w", pid, rec.info.State, kerr.ErrInvalidState)
	}
	rec.info.State = StateReady
	rec.task.Resume()
	return nil
}

// Get returns a snapshot of one process.
func (s *Scheduler) Get(pid id.PID) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.procs[pid]
	if !ok {
		return Info{}, fmt.Errorf("pid %d: %w", pid, kerr.ErrNotFound)
	}
	return rec.info, nil
}

// List returns a snapshot of the whole process table.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.procs))
	for _, rec := range s.procs {
		out = append(out, rec.info)
	}
	return out
}

// Count returns the number of live processes.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Tick advances run-time accounting by one tick for every ready
// process. Called from the kernel maintenance loop.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.procs {
		if rec.info.State == StateReady {
			rec.info.RunTicks++
		}
	}
}

// reap removes a process whose entry function returned on its own.
func (s *Scheduler) reap(pid id.PID) {
	s.mu.Lock()
	rec, ok := s.procs[pid]
	if ok {
		delete(s.procs, pid)
		rec.info.State = StateTerminated
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.metrics.ProcessesActive.Dec()
	s.log.Debug("process exited", zap.Uint32("pid", uint32(pid)), zap.String("name", rec.info.Name))
	if s.onTerminate != nil {
		s.onTerminate(pid)
	}
}
