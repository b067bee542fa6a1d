package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Batch lifecycle
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrBatchNotReconcilable = errors.New("batch is not ready for reconciliation")
	ErrNoPendingRequests    = errors.New("no pending requests")
	ErrNotFlushable         = errors.New("batching policy declined flush")
	ErrEmptyOutput          = errors.New("batch output is empty")

	// Scheduling
	ErrSchedulerPaused = errors.New("scheduler is paused")
	ErrLockHeld        = errors.New("lock held by another worker")
	ErrTenantInactive  = errors.New("tenant is not active")
)
