package store

import (
	"context"
	"time"
)

// Coordinator provides cluster-wide locks so background work runs on one
// node at a time.
type Coordinator interface {
	// AcquireLock attempts to acquire a lock for the given key.
	// Returns true if successful, false if lock is held by another.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// RenewLock extends the TTL if the lock is still held by ownerID.
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner, or "" when the lock is free.
	GetLockOwner(ctx context.Context, key string) (string, error)
}
