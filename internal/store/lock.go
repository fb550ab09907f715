package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RunLockKey is the advisory lock id shared by every ingestion process.
const RunLockKey int64 = 0x65746c72756e // "etlrun"

// ErrLocked is returned when another process holds the run lock.
var ErrLocked = errors.New("run lock held by another process")

// AdvisoryLocker serializes ingestion runs across processes using a
// PostgreSQL session advisory lock. The lock lives on a dedicated connection
// that is held only while the run is in flight.
type AdvisoryLocker struct {
	db  *sql.DB
	key int64
}

// NewAdvisoryLocker returns a locker for key on db.
func NewAdvisoryLocker(db *sql.DB, key int64) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: key}
}

// TryLock acquires the lock without waiting. The returned release func must
// be called exactly once; it unlocks and returns the connection to the pool.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, ErrLocked
	}

	release := func() {
		// Unlock with a fresh context: the run's context may already be done.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.key)
		conn.Close()
	}
	return release, nil
}
