// Package kerr defines the kernel-wide error taxonomy.
//
// Every registry and subsystem reports failures through one of these
// sentinels, wrapped with context via fmt.Errorf and %w. Callers branch
// with errors.Is rather than string matching.
package kerr

import "errors"

var (
	// ErrInvalidParam reports a nil, empty, or out-of-range argument.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrOutOfMemory reports an allocation rejected by the memory manager.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrTimeout reports a blocking operation that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound reports a lookup miss by id or name.
	ErrNotFound = errors.New("not found")

	// ErrGeneric reports a backing-primitive failure with no better class.
	ErrGeneric = errors.New("operation failed")

	// ErrInvalidState reports a lifecycle transition the entity's state
	// machine does not allow.
	ErrInvalidState = errors.New("invalid state transition")
)
