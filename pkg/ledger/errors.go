package ledger

import "errors"

var (
	// ErrBookNotFound indicates the id is not in the caller's own sequence.
	ErrBookNotFound = errors.New("book not found")
	// ErrCallerRequired indicates an operation was invoked without a caller identity.
	ErrCallerRequired = errors.New("caller identity required")
)
