// Package hal abstracts the platform the kernel runs on.
//
// The kernel never touches goroutines, disks, or hardware timers
// directly; it goes through these interfaces so tests and alternate
// platforms can substitute their own implementations.
package hal

import (
	"io"
	"time"
)

// Runner executes process bodies. Implementations own the mapping from
// a process entry function to an execution context and provide the
// cooperative suspend points the scheduler relies on.
type Runner interface {
	// Spawn starts entry in a new execution context and returns a
	// handle for controlling it. The entry receives a Task it must
	// call Yield on at its suspension points. Spawn fails when the
	// platform cannot back another execution context.
	Spawn(name string, entry func(Task)) (Task, error)
}

// Task is a handle to one running execution context.
type Task interface {
	// Yield parks the caller while it is suspended and reports
	// whether it should keep running. Entry functions call it at
	// loop boundaries; a false return means the task was killed.
	Yield() bool

	// Suspend pauses the task at its next yield point.
	Suspend()

	// Resume releases a suspended task.
	Resume()

	// Kill makes the next Yield return false and unblocks a
	// suspended task so it can observe the kill.
	Kill()

	// Done reports whether the entry function has returned.
	Done() bool
}

// HardwareWatchdog is the platform reset watchdog. Once armed it must
// be fed periodically or the platform restarts.
type HardwareWatchdog interface {
	Arm(timeout time.Duration) error
	Feed() error
	Disarm() error
}

// Store is persistent key-value storage surviving reboots. Used for
// saved app configuration and crash dumps.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// FileSystem is read-only access to external app storage.
type FileSystem interface {
	Open(name string) (io.ReadCloser, error)
	Size(name string) (int64, error)
	List(dir string) ([]string, error)
}
