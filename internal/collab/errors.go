package collab

import "errors"

var (
	// ErrNotFound means the referenced session or participant does not exist.
	// Callers recover by re-joining; this is never fatal.
	ErrNotFound = errors.New("collab: not found")

	// ErrLockNotHeld means a mutation was attempted without holding the
	// resource's advisory lock.
	ErrLockNotHeld = errors.New("collab: lock not held")

	// ErrInvalidInput means a required identifier was empty.
	ErrInvalidInput = errors.New("collab: invalid input")
)
