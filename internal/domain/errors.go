package domain

import "errors"

var (
	// ErrCapacityExceeded means the pool is at total capacity (or its
	// overage allowance). Expected and recoverable: the caller should
	// retry later or report unavailability, not treat it as a fault.
	ErrCapacityExceeded = errors.New("license pool capacity exceeded")

	// ErrUnknownBorrow means the borrow id is not outstanding (already
	// returned or never issued). Caller error, not retried.
	ErrUnknownBorrow = errors.New("borrow record not found")

	ErrUnknownTool       = errors.New("tool not found")
	ErrPoolExists        = errors.New("tool pool already exists")
	ErrPoolDeactivated   = errors.New("tool pool is deactivated")
	ErrPoolHasBorrows    = errors.New("tool pool has outstanding borrows")
	ErrInvalidPoolConfig = errors.New("invalid pool configuration")

	// ErrTotalBelowBorrowed rejects budget updates that would shrink a
	// pool below its current occupancy.
	ErrTotalBelowBorrowed = errors.New("total cannot be reduced below current borrows")
)
