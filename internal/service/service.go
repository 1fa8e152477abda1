// Package service implements the system service manager.
//
// Services declare dependencies by name and start in dependency order.
// A service with a stack budget gets its own process; one without runs
// purely through its callbacks on the caller's thread.
package service

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// State is a service lifecycle state.
type State int

const (
	// StateStopped means the service is registered but not running.
	StateStopped State = iota
	// StateStarting means OnStart is in progress.
	StateStarting
	// StateRunning means the service is up.
	StateRunning
	// StateStopping means OnStop is in progress.
	StateStopping
	// StateError means the last start or run attempt failed.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Definition describes a service to register. Entry is required when
// StackSize is positive and forbidden when it is zero.
type Definition struct {
	Name      string
	DependsOn []string
	Critical  bool
	AutoStart bool
	StackSize int
	Priority  int
	OnInit    func() error
	OnStart   func() error
	OnStop    func() error
	OnDeinit  func() error
	Entry     sched.EntryFunc
}

// Info is a snapshot of one service.
type Info struct {
	ID       id.ServiceID
	Name     string
	State    State
	Critical bool
	PID      id.PID
	Crashes  uint64
}

type record struct {
	def  Definition
	info Info
}

// Manager owns the service table.
type Manager struct {
	mu     sync.Mutex
	byName map[string]*record
	order  []string

	scheduler *sched.Scheduler
	ids       *id.Generator
	log       *logging.Logger
	metrics   *monitoring.Metrics
}

// NewManager creates an empty service manager.
func NewManager(scheduler *sched.Scheduler, ids *id.Generator, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		byName:    make(map[string]*record),
		scheduler: scheduler,
		ids:       ids,
		log:       log.Named("service"),
		metrics:   metrics,
	}
}

// Register adds a service to the table without starting it.
func (m *Manager) Register(def Definition) (id.ServiceID, error) {
	if def.Name == "" {
		return 0, fmt.Errorf("service register: empty name: %w", kerr.ErrInvalidParam)
	}
	if def.StackSize > 0 && def.Entry == nil {
		return 0, fmt.Errorf("service %q: stack without entry: %w", def.Name, kerr.ErrInvalidParam)
	}
	if def.StackSize == 0 && def.Entry != nil {
		return 0, fmt.Errorf("service %q: entry without stack: %w", def.Name, kerr.ErrInvalidParam)
	}
	if def.StackSize < 0 {
		return 0, fmt.Errorf("service %q: stack %d: %w", def.Name, def.StackSize, kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[def.Name]; exists {
		return 0, fmt.Errorf("service %q already registered: %w", def.Name, kerr.ErrInvalidParam)
	}

	sid := id.ServiceID(m.ids.Next())
	m.byName[def.Name] = &record{
		def:  def,
		info: Info{ID: sid, Name: def.Name, Critical: def.Critical},
	}
	m.order = append(m.order, def.Name)

	m.log.Info("service registered",
		zap.String("name", def.Name),
		zap.Bool("critical", def.Critical),
		zap.Strings("depends_on", def.DependsOn))
	return sid, nil
}

// Start brings one service up. Its dependencies must already be
// running.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(name)
}

func (m *Manager) startLocked(name string) error {
	rec, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, kerr.ErrNotFound)
	}
	if rec.info.State == StateRunning {
		return fmt.Errorf("service %q already running: %w", name, kerr.ErrInvalidState)
	}

	for _, dep := range rec.def.DependsOn {
		depRec, ok := m.byName[dep]
		if !ok {
			rec.info.State = StateError
			return fmt.Errorf("service %q: dependency %q: %w", name, dep, kerr.ErrNotFound)
		}
		if depRec.info.State != StateRunning {
			rec.info.State = StateError
			return fmt.Errorf("service %q: dependency %q is %s: %w",
				name, dep, depRec.info.State, kerr.ErrInvalidState)
		}
	}

	rec.info.State = StateStarting
	if rec.def.OnInit != nil {
		if err := rec.def.OnInit(); err != nil {
			rec.info.State = StateError
			m.log.Error("service init failed", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	if rec.def.OnStart != nil {
		if err := rec.def.OnStart(); err != nil {
			rec.info.State = StateError
			m.log.Error("service start failed", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("service %q: %w", name, err)
		}
	}

	if rec.def.StackSize > 0 {
		pid, err := m.scheduler.Create("svc."+name, rec.def.Entry, rec.def.StackSize, rec.def.Priority)
		if err != nil {
			rec.info.State = StateError
			return fmt.Errorf("service %q: %w", name, err)
		}
		rec.info.PID = pid
	}

	rec.info.State = StateRunning
	m.metrics.ServicesRunning.Inc()
	m.log.Info("service started", zap.String("name", name), zap.Uint32("pid", uint32(rec.info.PID)))
	return nil
}

// Stop brings one service down.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(name)
}

func (m *Manager) stopLocked(name string) error {
	rec, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, kerr.ErrNotFound)
	}
	if rec.info.State == StateStopped {
		return nil
	}
	if rec.info.State != StateRunning {
		return fmt.Errorf("service %q is %s: %w", name, rec.info.State, kerr.ErrInvalidState)
	}

	rec.info.State = StateStopping
	if rec.info.PID != 0 {
		if err := m.scheduler.Terminate(rec.info.PID); err != nil {
			m.log.Warn("service process already gone", zap.String("name", name), zap.Error(err))
		}
		rec.info.PID = 0
	}
	if rec.def.OnStop != nil {
		if err := rec.def.OnStop(); err != nil {
			m.log.Warn("service stop callback failed", zap.String("name", name), zap.Error(err))
		}
	}
	if rec.def.OnDeinit != nil {
		if err := rec.def.OnDeinit(); err != nil {
			m.log.Warn("service deinit callback failed", zap.String("name", name), zap.Error(err))
		}
	}

	rec.info.State = StateStopped
	m.metrics.ServicesRunning.Dec()
	m.log.Info("service stopped", zap.String("name", name))
	return nil
}

// Restart stops and restarts one service.
func (m *Manager) Restart(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(name); err != nil {
		return err
	}
	return m.startLocked(name)
}

// StartAll starts every auto-start service in dependency order,
// making repeated passes until no progress remains. A failing
// critical service aborts the boot; a failing optional service is
// left in the error state and skipped.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := make(map[string]bool, len(m.order))
	for _, name := range m.order {
		rec := m.byName[name]
		if rec.def.AutoStart && rec.info.State != StateRunning {
			remaining[name] = true
		}
	}

	for len(remaining) > 0 {
		progress := false
		for _, name := range m.order {
			if !remaining[name] {
				continue
			}
			rec := m.byName[name]
			if !m.depsRunningLocked(rec) {
				continue
			}

			err := m.startLocked(name)
			delete(remaining, name)
			progress = true
			if err != nil {
				if rec.def.Critical {
					return fmt.Errorf("critical service %q: %w", name, err)
				}
				m.log.Warn("optional service failed, continuing",
					zap.String("name", name), zap.Error(err))
			}
		}
		if !progress {
			break
		}
	}

	// Whatever is left has an unsatisfiable dependency chain.
	for name := range remaining {
		rec := m.byName[name]
		rec.info.State = StateError
		m.log.Error("service dependencies unsatisfiable", zap.String("name", name))
		if rec.def.Critical {
			return fmt.Errorf("critical service %q: dependencies unsatisfiable: %w",
				name, kerr.ErrGeneric)
		}
	}
	return nil
}

func (m *Manager) depsRunningLocked(rec *record) bool {
	for _, dep := range rec.def.DependsOn {
		depRec, ok := m.byName[dep]
		if !ok || depRec.info.State != StateRunning {
			return false
		}
	}
	return true
}

// StopAll stops every running service in reverse registration order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if m.byName[name].info.State != StateRunning {
			continue
		}
		if err := m.stopLocked(name); err != nil {
			m.log.Warn("service did not stop", zap.String("name", name), zap.Error(err))
		}
	}
}

// NotifyCrash records a service crash and moves it to the error
// state.
func (m *Manager) NotifyCrash(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, kerr.ErrNotFound)
	}

	rec.info.Crashes++
	if rec.info.State == StateRunning {
		m.metrics.ServicesRunning.Dec()
	}
	rec.info.State = StateError
	rec.info.PID = 0
	m.metrics.ServiceCrashes.Inc()
	m.log.Error("service crashed",
		zap.String("name", name),
		zap.Uint64("crashes", rec.info.Crashes))
	return nil
}

// FindByName returns a snapshot of one service.
func (m *Manager) FindByName(name string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byName[name]
	if !ok {
		return Info{}, fmt.Errorf("service %q: %w", name, kerr.ErrNotFound)
	}
	return rec.info, nil
}

// IsRunning reports whether a service is in the running state.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byName[name]
	return ok && rec.info.State == StateRunning
}

// List returns a snapshot of every service in registration order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name].info)
	}
	return out
}
