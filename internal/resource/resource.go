// Package resource tracks shared resource ownership per process.
//
// Drivers register resources once; processes acquire and release them.
// When a process dies the kernel sweeps its acquisitions so a crashed
// task cannot pin a bus or peripheral forever.
package resource

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Kind classifies a resource for diagnostics.
type Kind string

const (
	KindBus        Kind = "bus"
	KindPeripheral Kind = "peripheral"
	KindFile       Kind = "file"
	KindOther      Kind = "other"
)

// Info is a snapshot of one resource.
type Info struct {
	ID       id.ResourceID
	Name     string
	Kind     Kind
	Owner    id.PID
	Acquires uint64
}

type record struct {
	info    Info
	release func()
}

// Manager owns the resource table.
type Manager struct {
	mu        sync.Mutex
	resources map[id.ResourceID]*record

	ids *id.Generator
	log *logging.Logger
}

// NewManager creates an empty resource table.
func NewManager(ids *id.Generator, log *logging.Logger) *Manager {
	return &Manager{
		resources: make(map[id.ResourceID]*record),
		ids:       ids,
		log:       log.Named("resource"),
	}
}

// Register adds a resource. release, if non-nil, runs whenever the
// resource is released, including forced release on owner death.
func (m *Manager) Register(name string, kind Kind, release func()) (id.ResourceID, error) {
	if name == "" {
		return 0, fmt.Errorf("resource register: %w", kerr.ErrInvalidParam)
	}

	rid := id.ResourceID(m.ids.Next())

	m.mu.Lock()
	m.resources[rid] = &record{
		info:    Info{ID: rid, Name: name, Kind: kind},
		release: release,
	}
	m.mu.Unlock()

	m.log.Debug("resource registered",
		zap.Uint32("id", uint32(rid)),
		zap.String("name", name),
		zap.String("kind", string(kind)))
	return rid, nil
}

// Unregister removes an unowned resource.
func (m *Manager) Unregister(rid id.ResourceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.resources[rid]
	if !ok {
		return fmt.Errorf("resource %d: %w", rid, kerr.ErrNotFound)
	}
	if rec.info.Owner != 0 {
		return fmt.Errorf("resource %d owned by pid %d: %w", rid, rec.info.Owner, kerr.ErrInvalidState)
	}
	delete(m.resources, rid)
	return nil
}

// Acquire claims a resource for owner. An already-owned resource
// fails, including repeat acquisition by the same owner.
func (m *Manager) Acquire(rid id.ResourceID, owner id.PID) error {
	if owner == 0 {
		return fmt.Errorf("resource acquire: zero owner: %w", kerr.ErrInvalidParam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.resources[rid]
	if !ok {
		return fmt.Errorf("resource %d: %w", rid, kerr.ErrNotFound)
	}
	if rec.info.Owner != 0 {
		return fmt.Errorf("resource %d owned by pid %d: %w", rid, rec.info.Owner, kerr.ErrInvalidState)
	}
	rec.info.Owner = owner
	rec.info.Acquires++
	return nil
}

// Release returns a resource. Only the owner may release.
func (m *Manager) Release(rid id.ResourceID, owner id.PID) error {
	m.mu.Lock()
	rec, ok := m.resources[rid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resource %d: %w", rid, kerr.ErrNotFound)
	}
	if rec.info.Owner != owner {
		m.mu.Unlock()
		return fmt.Errorf("resource %d release by pid %d, owner %d: %w",
			rid, owner, rec.info.Owner, kerr.ErrInvalidState)
	}
	rec.info.Owner = 0
	release := rec.release
	m.mu.Unlock()

	if release != nil {
		release()
	}
	return nil
}

// CleanupForProcess force-releases everything owned by a dead
// process. Returns the number of resources released.
func (m *Manager) CleanupForProcess(pid id.PID) int {
	m.mu.Lock()
	var orphaned []*record
	for _, rec := range m.resources {
		if rec.info.Owner == pid {
			rec.info.Owner = 0
			orphaned = append(orphaned, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range orphaned {
		m.log.Warn("resource force-released",
			zap.Uint32("id", uint32(rec.info.ID)),
			zap.String("name", rec.info.Name),
			zap.Uint32("dead_pid", uint32(pid)))
		if rec.release != nil {
			rec.release()
		}
	}
	return len(orphaned)
}

// Get returns a snapshot of one resource.
func (m *Manager) Get(rid id.ResourceID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.resources[rid]
	if !ok {
		return Info{}, fmt.Errorf("resource %d: %w", rid, kerr.ErrNotFound)
	}
	return rec.info, nil
}

// Count returns the number of registered resources.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}
