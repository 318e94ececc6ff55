package database

import (
	"context"
	"fmt"
)

// AdvisoryLock is a held PostgreSQL session advisory lock.
type AdvisoryLock struct {
	key     string
	release func(ctx context.Context) error
}

// Release unlocks and returns the dedicated connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	return l.release(ctx)
}

// TryAdvisoryLock attempts to take a session advisory lock keyed by the hash of key.
// Returns (nil, nil) when another session holds the lock. Session locks live on
// one connection, so the lock pins a pooled connection until released.
func (db *DB) TryAdvisoryLock(ctx context.Context, key string) (*AdvisoryLock, error) {
	conn, err := db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}

	return &AdvisoryLock{
		key: key,
		release: func(ctx context.Context) error {
			defer conn.Release()
			var unlocked bool
			if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", key).Scan(&unlocked); err != nil {
				return fmt.Errorf("release advisory lock %q: %w", key, err)
			}
			if !unlocked {
				return fmt.Errorf("advisory lock %q was not held", key)
			}
			return nil
		},
	}, nil
}
