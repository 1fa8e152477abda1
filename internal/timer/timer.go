// Package timer implements software timers driven by the kernel tick.
//
// Callbacks fire on the maintenance thread, so they must be short and
// must not block. Periods are rounded up to a whole number of ticks.
package timer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Callback runs when a timer fires.
type Callback func()

type record struct {
	id       id.TimerID
	name     string
	ticks    uint64
	periodic bool
	cb       Callback

	running  bool
	deadline uint64
	fires    uint64
}

// Info is a snapshot of one timer.
type Info struct {
	ID       id.TimerID
	Name     string
	Period   uint64
	Periodic bool
	Running  bool
	Fires    uint64
}

// Manager owns all software timers.
type Manager struct {
	mu     sync.Mutex
	timers map[id.TimerID]*record

	tickInterval time.Duration
	ids          *id.Generator
	log          *logging.Logger
}

// NewManager creates a timer manager. tickInterval is the kernel tick
// period used to convert durations to tick counts.
func NewManager(tickInterval time.Duration, ids *id.Generator, log *logging.Logger) *Manager {
	return &Manager{
		timers:       make(map[id.TimerID]*record),
		tickInterval: tickInterval,
		ids:          ids,
		log:          log.Named("timer"),
	}
}

// Create registers a stopped timer. Period is rounded up to at least
// one tick.
func (m *Manager) Create(name string, period time.Duration, periodic bool, cb Callback) (id.TimerID, error) {
	if name == "" || period <= 0 || cb == nil {
		return 0, fmt.Errorf("timer create %q period %s: %w", name, period, kerr.ErrInvalidParam)
	}

	ticks := uint64((period + m.tickInterval - 1) / m.tickInterval)
	if ticks == 0 {
		ticks = 1
	}

	tid := id.TimerID(m.ids.Next())

	m.mu.Lock()
	m.timers[tid] = &record{
		id:       tid,
		name:     name,
		ticks:    ticks,
		periodic: periodic,
		cb:       cb,
	}
	m.mu.Unlock()

	m.log.Debug("timer created",
		zap.Uint32("id", uint32(tid)),
		zap.String("name", name),
		zap.Uint64("period_ticks", ticks),
		zap.Bool("periodic", periodic))
	return tid, nil
}

// Start arms a timer relative to the current tick. Starting a running
// timer restarts its period.
func (m *Manager) Start(tid id.TimerID, now uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.timers[tid]
	if !ok {
		return fmt.Errorf("timer %d: %w", tid, kerr.ErrNotFound)
	}
	rec.running = true
	rec.deadline = now + rec.ticks
	return nil
}

// Stop disarms a timer without deleting it.
func (m *Manager) Stop(tid id.TimerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.timers[tid]
	if !ok {
		return fmt.Errorf("timer %d: %w", tid, kerr.ErrNotFound)
	}
	rec.running = false
	return nil
}

// Delete removes a timer entirely.
func (m *Manager) Delete(tid id.TimerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[tid]; !ok {
		return fmt.Errorf("timer %d: %w", tid, kerr.ErrNotFound)
	}
	delete(m.timers, tid)
	return nil
}

// Get returns a snapshot of one timer.
func (m *Manager) Get(tid id.TimerID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.timers[tid]
	if !ok {
		return Info{}, fmt.Errorf("timer %d: %w", tid, kerr.ErrNotFound)
	}
	return Info{
		ID:       rec.id,
		Name:     rec.name,
		Period:   rec.ticks,
		Periodic: rec.periodic,
		Running:  rec.running,
		Fires:    rec.fires,
	}, nil
}

// Count returns the number of registered timers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Tick fires every timer due at the given tick. One-shot timers stop
// after firing; periodic timers re-arm. Callbacks run with the
// manager lock released.
func (m *Manager) Tick(now uint64) {
	m.mu.Lock()
	var due []Callback
	for _, rec := range m.timers {
		if !rec.running || now < rec.deadline {
			continue
		}
		due = append(due, rec.cb)
		rec.fires++
		if rec.periodic {
			rec.deadline = now + rec.ticks
		} else {
			rec.running = false
		}
	}
	m.mu.Unlock()

	for _, cb := range due {
		cb()
	}
}
