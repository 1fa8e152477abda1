// Package watchdog implements software watchdogs, health probes, and
// the kernel panic path.
//
// Tasks register a watchdog with a feed deadline; the kernel checks
// all deadlines on its maintenance tick and escalates a missed feed to
// a panic. Probes watch resource headroom and escalate the same way.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/shared/id"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// Entry is a snapshot of one registered watchdog.
type Entry struct {
	ID       id.WatchdogID
	Name     string
	Timeout  time.Duration
	LastFeed time.Time
	Armed    bool
}

// Registry tracks software watchdogs.
type Registry struct {
	mu      sync.Mutex
	entries map[id.WatchdogID]*Entry

	ids     *id.Generator
	panics  *Handler
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewRegistry creates an empty watchdog registry. Missed deadlines are
// escalated through panics.
func NewRegistry(ids *id.Generator, panics *Handler, log *logging.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		entries: make(map[id.WatchdogID]*Entry),
		ids:     ids,
		panics:  panics,
		log:     log.Named("watchdog"),
		metrics: metrics,
	}
}

// Register adds a watchdog that must be fed at least every timeout.
// The clock starts immediately.
func (r *Registry) Register(name string, timeout time.Duration) (id.WatchdogID, error) {
	if name == "" || timeout <= 0 {
		return 0, fmt.Errorf("watchdog register %q timeout %s: %w", name, timeout, kerr.ErrInvalidParam)
	}

	wid := id.WatchdogID(r.ids.Next())

	r.mu.Lock()
	r.entries[wid] = &Entry{
		ID:       wid,
		Name:     name,
		Timeout:  timeout,
		LastFeed: time.Now(),
		Armed:    true,
	}
	r.mu.Unlock()

	r.log.Info("watchdog registered",
		zap.Uint32("id", uint32(wid)),
		zap.String("name", name),
		zap.Duration("timeout", timeout))
	return wid, nil
}

// Feed resets a watchdog's deadline.
func (r *Registry) Feed(wid id.WatchdogID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[wid]
	if !ok {
		return fmt.Errorf("watchdog %d: %w", wid, kerr.ErrNotFound)
	}
	e.LastFeed = time.Now()
	r.metrics.WatchdogFeeds.Inc()
	return nil
}

// SetArmed pauses or resumes deadline checking for one watchdog.
// Resuming also resets the feed clock so the paused interval does not
// count against the deadline.
func (r *Registry) SetArmed(wid id.WatchdogID, armed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[wid]
	if !ok {
		return fmt.Errorf("watchdog %d: %w", wid, kerr.ErrNotFound)
	}
	if armed && !e.Armed {
		e.LastFeed = time.Now()
	}
	e.Armed = armed
	return nil
}

// Unregister removes a watchdog.
func (r *Registry) Unregister(wid id.WatchdogID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[wid]; !ok {
		return fmt.Errorf("watchdog %d: %w", wid, kerr.ErrNotFound)
	}
	delete(r.entries, wid)
	return nil
}

// Get returns a snapshot of one watchdog.
func (r *Registry) Get(wid id.WatchdogID) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[wid]
	if !ok {
		return Entry{}, fmt.Errorf("watchdog %d: %w", wid, kerr.ErrNotFound)
	}
	return *e, nil
}

// Count returns the number of registered watchdogs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CheckTimeouts panics the kernel on the first watchdog whose feed
// deadline has been reached as of now. The expired watchdog is
// disarmed so it triggers exactly one panic. Returns true when a
// timeout fired. now is explicit so the maintenance loop and tests
// share one clock.
func (r *Registry) CheckTimeouts(now time.Time) bool {
	r.mu.Lock()
	var expired *Entry
	for _, e := range r.entries {
		if e.Armed && now.Sub(e.LastFeed) >= e.Timeout {
			expired = e
			e.Armed = false
			break
		}
	}
	r.mu.Unlock()

	if expired == nil {
		return false
	}

	r.metrics.WatchdogTimeouts.Inc()
	r.log.Error("watchdog timeout",
		zap.Uint32("id", uint32(expired.ID)),
		zap.String("name", expired.Name),
		zap.Duration("timeout", expired.Timeout),
		zap.Time("last_feed", expired.LastFeed))
	r.panics.Trigger(ReasonWatchdogTimeout, expired.Name,
		fmt.Sprintf("missed %s deadline", expired.Timeout))
	return true
}
