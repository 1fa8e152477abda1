// Package app implements the application loader and lifecycle.
//
// At most one app is in the foreground. Launching a new app pauses the
// current foreground app; terminating the foreground app resumes
// whichever app it displaced, falling back to the launcher.
package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/ipc"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// State is an app lifecycle state.
type State int

const (
	// StateStopped means the app has no process.
	StateStopped State = iota
	// StateRunning means the app is in the foreground.
	StateRunning
	// StatePaused means the app's process is suspended.
	StatePaused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Lifecycle holds an app's callbacks. Entry is the process body; the
// rest are notifications delivered on the caller's thread.
type Lifecycle struct {
	Entry       sched.EntryFunc
	OnPause     func()
	OnResume    func()
	OnTerminate func()
}

// Registration describes an app to install.
type Registration struct {
	Manifest  Manifest
	Lifecycle Lifecycle
	Launcher  bool
}

// Stats counts app activity since boot.
type Stats struct {
	Launches uint64
	Crashes  uint64
}

// Info is a snapshot of one installed app.
type Info struct {
	ID       id.AppID
	Manifest Manifest
	State    State
	PID      id.PID
	Launcher bool
	Stats    Stats
}

type record struct {
	info Info
	lc   Lifecycle
}

// Manager owns the app table and the foreground invariant.
type Manager struct {
	mu     sync.Mutex
	apps   map[id.AppID]*record
	byName map[string]id.AppID

	foreground id.AppID
	displaced  id.AppID
	launcher   id.AppID

	holdStart time.Time
	holdFired bool
	holdFor   time.Duration

	scheduler *sched.Scheduler
	bus       *ipc.Bus
	store     hal.Store
	ids       *id.Generator

	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewManager creates an empty app manager. forceExitHold is how long
// both buttons must be held to force-quit the foreground app.
func NewManager(scheduler *sched.Scheduler, bus *ipc.Bus, store hal.Store, ids *id.Generator,
	forceExitHold time.Duration, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		apps:      make(map[id.AppID]*record),
		byName:    make(map[string]id.AppID),
		holdFor:   forceExitHold,
		scheduler: scheduler,
		bus:       bus,
		store:     store,
		ids:       ids,
		log:       log.Named("app"),
		metrics:   metrics,
	}
}

// Register installs an app. Names are unique and non-empty; every app
// needs an entry function and a positive stack budget.
func (m *Manager) Register(reg Registration) (id.AppID, error) {
	if err := reg.Manifest.Validate(); err != nil {
		return 0, err
	}
	if reg.Lifecycle.Entry == nil {
		return 0, fmt.Errorf("app %q: nil entry: %w", reg.Manifest.Name, kerr.ErrInvalidParam)
	}
	if reg.Manifest.StackSize == 0 {
		return 0, fmt.Errorf("app %q: zero stack: %w", reg.Manifest.Name, kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[reg.Manifest.Name]; exists {
		return 0, fmt.Errorf("app %q already registered: %w", reg.Manifest.Name, kerr.ErrInvalidParam)
	}

	aid := id.AppID(m.ids.Next())
	m.apps[aid] = &record{
		info: Info{ID: aid, Manifest: reg.Manifest, Launcher: reg.Launcher},
		lc:   reg.Lifecycle,
	}
	m.byName[reg.Manifest.Name] = aid
	if reg.Launcher {
		m.launcher = aid
	}

	m.log.Info("app registered",
		zap.Uint32("id", uint32(aid)),
		zap.String("name", reg.Manifest.Name),
		zap.String("version", reg.Manifest.Version),
		zap.Bool("launcher", reg.Launcher))
	return aid, nil
}

// FindByName resolves an app id by name.
func (m *Manager) FindByName(name string) (id.AppID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aid, ok := m.byName[name]
	if !ok {
		return 0, fmt.Errorf("app %q: %w", name, kerr.ErrNotFound)
	}
	return aid, nil
}

// Get returns a snapshot of one app.
func (m *Manager) Get(aid id.AppID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.apps[aid]
	if !ok {
		return Info{}, fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	return rec.info, nil
}

// List returns a snapshot of every installed app.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.apps))
	for _, rec := range m.apps {
		out = append(out, rec.info)
	}
	return out
}

// Foreground returns the current foreground app id, or 0.
func (m *Manager) Foreground() id.AppID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// Launch brings an app to the foreground, pausing whatever was there.
// Launching a paused app resumes it instead of starting it again.
func (m *Manager) Launch(aid id.AppID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launchLocked(aid)
}

func (m *Manager) launchLocked(aid id.AppID) error {
	rec, ok := m.apps[aid]
	if !ok {
		return fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	if rec.info.State == StateRunning {
		return fmt.Errorf("app %q already running: %w", rec.info.Manifest.Name, kerr.ErrInvalidState)
	}

	if m.foreground != 0 && m.foreground != aid {
		if err := m.pauseLocked(m.foreground); err != nil {
			return fmt.Errorf("pause foreground: %w", err)
		}
		m.displaced = m.foreground
	}

	if rec.info.State == StatePaused {
		if err := m.resumeLocked(aid); err != nil {
			return err
		}
	} else {
		pid, err := m.scheduler.Create(rec.info.Manifest.Name, rec.lc.Entry,
			rec.info.Manifest.StackSize, rec.info.Manifest.Priority)
		if err != nil {
			return fmt.Errorf("app %q: %w", rec.info.Manifest.Name, err)
		}
		rec.info.PID = pid
		rec.info.State = StateRunning
		rec.info.Stats.Launches++
		m.metrics.AppLaunches.Inc()
		m.metrics.AppsRunning.Inc()
	}

	m.foreground = aid
	m.publish("app.launched", rec.info.Manifest.Name)
	m.log.Info("app launched",
		zap.String("name", rec.info.Manifest.Name),
		zap.Uint32("pid", uint32(rec.info.PID)))
	return nil
}

// Terminate stops an app. If it held the foreground, the displaced
// app is resumed, or the launcher when nothing was displaced.
func (m *Manager) Terminate(aid id.AppID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(aid)
}

func (m *Manager) terminateLocked(aid id.AppID) error {
	rec, ok := m.apps[aid]
	if !ok {
		return fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	if rec.info.State == StateStopped {
		return fmt.Errorf("app %q not running: %w", rec.info.Manifest.Name, kerr.ErrInvalidState)
	}

	if rec.lc.OnTerminate != nil {
		rec.lc.OnTerminate()
	}
	if err := m.scheduler.Terminate(rec.info.PID); err != nil {
		m.log.Warn("app process already gone",
			zap.String("name", rec.info.Manifest.Name), zap.Error(err))
	}
	wasForeground := m.foreground == aid
	rec.info.State = StateStopped
	rec.info.PID = 0
	m.metrics.AppsRunning.Dec()
	m.publish("app.terminated", rec.info.Manifest.Name)
	m.log.Info("app terminated", zap.String("name", rec.info.Manifest.Name))

	if wasForeground {
		m.foreground = 0
		next := m.displaced
		m.displaced = 0
		if next == 0 || next == aid {
			next = m.launcher
		}
		if next != 0 && next != aid {
			if err := m.launchLocked(next); err != nil {
				m.log.Warn("foreground restore failed", zap.Error(err))
			}
		}
	}
	return nil
}

// Pause suspends a running app.
func (m *Manager) Pause(aid id.AppID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.pauseLocked(aid); err != nil {
		return err
	}
	if m.foreground == aid {
		m.foreground = 0
	}
	return nil
}

func (m *Manager) pauseLocked(aid id.AppID) error {
	rec, ok := m.apps[aid]
	if !ok {
		return fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	if rec.info.State != StateRunning {
		return fmt.Errorf("app %q is %s: %w", rec.info.Manifest.Name, rec.info.State, kerr.ErrInvalidState)
	}

	if err := m.scheduler.Suspend(rec.info.PID); err != nil {
		return err
	}
	rec.info.State = StatePaused
	if rec.lc.OnPause != nil {
		rec.lc.OnPause()
	}
	m.metrics.AppsRunning.Dec()
	m.publish("app.paused", rec.info.Manifest.Name)
	return nil
}

// Resume unpauses an app and makes it the foreground app.
func (m *Manager) Resume(aid id.AppID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resumeLocked(aid); err != nil {
		return err
	}
	m.foreground = aid
	return nil
}

func (m *Manager) resumeLocked(aid id.AppID) error {
	rec, ok := m.apps[aid]
	if !ok {
		return fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	if rec.info.State != StatePaused {
		return fmt.Errorf("app %q is %s: %w", rec.info.Manifest.Name, rec.info.State, kerr.ErrInvalidState)
	}

	if err := m.scheduler.Resume(rec.info.PID); err != nil {
		return err
	}
	rec.info.State = StateRunning
	if rec.lc.OnResume != nil {
		rec.lc.OnResume()
	}
	m.metrics.AppsRunning.Inc()
	m.publish("app.resumed", rec.info.Manifest.Name)
	return nil
}

// NotifyCrash records an app crash and restores the foreground the
// same way a terminate would.
func (m *Manager) NotifyCrash(aid id.AppID) error {
	m.mu.Lock()
	rec, ok := m.apps[aid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	rec.info.Stats.Crashes++
	name := rec.info.Manifest.Name
	m.mu.Unlock()

	m.metrics.AppCrashes.Inc()
	m.log.Error("app crashed", zap.String("name", name))
	m.publish("app.crashed", name)

	err := m.Terminate(aid)
	if err != nil && !errors.Is(err, kerr.ErrInvalidState) {
		return err
	}
	return nil
}

// HandleButtons feeds the force-exit watcher. Holding both buttons for
// the configured duration terminates the foreground app, unless the
// launcher holds the foreground. Call once per input poll.
func (m *Manager) HandleButtons(btnA, btnB bool, now time.Time) {
	m.mu.Lock()

	if !btnA || !btnB {
		m.holdStart = time.Time{}
		m.holdFired = false
		m.mu.Unlock()
		return
	}

	if m.holdStart.IsZero() {
		m.holdStart = now
		m.mu.Unlock()
		return
	}
	if m.holdFired || now.Sub(m.holdStart) < m.holdFor {
		m.mu.Unlock()
		return
	}

	m.holdFired = true
	target := m.foreground
	isLauncher := target != 0 && target == m.launcher
	m.mu.Unlock()

	if target == 0 || isLauncher {
		return
	}
	m.log.Warn("force exit", zap.Uint32("app", uint32(target)))
	if err := m.Terminate(target); err != nil {
		m.log.Warn("force exit failed", zap.Error(err))
	}
}

// SaveConfig persists per-app configuration across reboots.
func (m *Manager) SaveConfig(aid id.AppID, data []byte) error {
	name, err := m.appName(aid)
	if err != nil {
		return err
	}
	return m.store.Put("appcfg/"+name, data)
}

// LoadConfig retrieves per-app configuration saved earlier.
func (m *Manager) LoadConfig(aid id.AppID) ([]byte, error) {
	name, err := m.appName(aid)
	if err != nil {
		return nil, err
	}
	return m.store.Get("appcfg/" + name)
}

func (m *Manager) appName(aid id.AppID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.apps[aid]
	if !ok {
		return "", fmt.Errorf("app %d: %w", aid, kerr.ErrNotFound)
	}
	return rec.info.Manifest.Name, nil
}

func (m *Manager) publish(event, appName string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(event, ipc.CategorySystem, []byte(appName)); err != nil {
		m.log.Debug("event not published", zap.String("event", event), zap.Error(err))
	}
}
