package memcache

import (
	"context"
	"errors"
	"time"
)

var ErrPoolClosed = errors.New("memcache: pool closed")

// Pool manages the connections to one server.
type Pool interface {
	// Acquire returns an idle connection, dials a new one while under the
	// size limit, or waits for one to be released.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle takes every idle connection out of the pool, for health checks.
	AcquireAllIdle() []Resource

	Close()
	Stats() PoolStats
}

// Resource is a connection borrowed from a Pool. Exactly one of Release,
// ReleaseUnused or Destroy must be called.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool after use.
	Release()

	// ReleaseUnused returns the connection without refreshing its idle time.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// PoolFactory creates a pool from a connection constructor.
type PoolFactory func(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)
