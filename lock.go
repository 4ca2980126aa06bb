package migrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how long a blocked acquisition waits between attempts.
const lockRetryDelay = 250 * time.Millisecond

// Locker serializes mutating runs. At most one holder exists per target
// database; read-only operations never take the lock.
type Locker interface {
	// Acquire blocks until the lock is held, the timeout elapses or ctx is
	// done. On success it returns a release func; otherwise ErrLock.
	Acquire(ctx context.Context, timeout time.Duration) (release func() error, err error)
}

// queryLocker takes an advisory lock inside the target database, so two
// deploys racing from different hosts still exclude each other.
//
// Advisory locks are session-scoped, so the locker pins one connection out
// of the pool and both acquires and releases on it. Releasing through the
// pool could land on a different session and silently no-op, leaving the
// lock held by an idle connection.
type queryLocker struct {
	db      *sql.DB
	queries *MigrationQueryDefinition
}

func (l *queryLocker) Acquire(ctx context.Context, timeout time.Duration) (func() error, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, ErrLock.Wrap(err, "error acquiring migration lock")
	}

	deadline := time.Now().Add(timeout)
	for {
		var locked bool
		err := conn.QueryRowContext(ctx, l.queries.AcquireLock).Scan(&locked)
		if err != nil {
			_ = conn.Close()
			return nil, ErrLock.Wrap(err, "error acquiring migration lock")
		}
		if locked {
			release := func() error {
				defer conn.Close()
				// The release must reach the owning session even when the
				// run context was cancelled between units.
				_, err := conn.ExecContext(context.WithoutCancel(ctx), l.queries.ReleaseLock)
				if err != nil {
					return ErrLock.Wrap(err, "error releasing migration lock")
				}
				return nil
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, ErrLock.New("another migration run holds the lock; gave up after %s", timeout)
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ErrLock.Wrap(ctx.Err(), "cancelled while waiting for migration lock")
		case <-time.After(lockRetryDelay):
		}
	}
}

// fileLocker serializes runs with a lock file, for dialects without
// server-side advisory locks. It only excludes writers sharing a
// filesystem, which matches how embedded databases are deployed.
type fileLocker struct {
	path string
}

func (l *fileLocker) Acquire(ctx context.Context, timeout time.Duration) (func() error, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, ErrLock.Wrap(err, "failed to acquire lock file %s within %s", l.path, timeout)
	}
	if !locked {
		return nil, ErrLock.New("another migration run holds the lock file %s; gave up after %s", l.path, timeout)
	}
	return fl.Unlock, nil
}

// lockerFor picks the lock strategy for a query definition: the dialect's
// advisory lock when it has one, the file lock otherwise.
func lockerFor(db *sql.DB, queries *MigrationQueryDefinition, lockFile string) Locker {
	if queries.AcquireLock != "" {
		return &queryLocker{db: db, queries: queries}
	}
	return &fileLocker{path: lockFile}
}
