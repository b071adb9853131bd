package lock

import "context"

// DistributedLockManager provides mutual exclusion between instances sharing a store.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, lockID int) error
	// TryAcquire takes the lock only if it is free and reports whether it did.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}
