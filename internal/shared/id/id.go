// Package id provides centralized ID generation for the kernel.
//
// Every registry hands out ids from its own namespace. Within a boot
// session ids are monotonically increasing and never reused; 0 is never
// a valid id, so it can double as "none" in descriptors that track an
// optional owner.
package id

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Typed ids keep one registry's handles from being passed to another.
type (
	// PID identifies a process record.
	PID uint32

	// MessageID identifies a queued IPC message.
	MessageID uint32

	// SubscriptionID identifies an event-bus subscription.
	SubscriptionID uint32

	// WatchdogID identifies a software watchdog.
	WatchdogID uint32

	// AppID identifies a registered app.
	AppID uint32

	// ServiceID identifies a registered service.
	ServiceID uint32

	// TimerID identifies a software timer.
	TimerID uint32

	// ResourceID identifies a tracked resource.
	ResourceID uint32
)

// Generator produces monotonically increasing uint32 ids for one
// namespace. The zero value is ready to use; the first id issued is 1.
type Generator struct {
	last atomic.Uint32
}

// Next returns the next id in the namespace.
func (g *Generator) Next() uint32 {
	return g.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none.
func (g *Generator) Last() uint32 {
	return g.last.Load()
}

// Namespaces bundles one generator per registry. A single Namespaces
// value is owned by the kernel and shared with the subsystems it builds.
type Namespaces struct {
	Process      Generator
	Message      Generator
	Subscription Generator
	Watchdog     Generator
	App          Generator
	Service      Generator
	Timer        Generator
	Resource     Generator
}

// NewNamespaces creates a fresh id space for one boot session.
func NewNamespaces() *Namespaces {
	return &Namespaces{}
}

// BootSession is a random identifier distinguishing one boot from the
// next in logs and persisted crash dumps, where the monotonic ids would
// otherwise collide across reboots.
func BootSession() string {
	return uuid.NewString()
}
