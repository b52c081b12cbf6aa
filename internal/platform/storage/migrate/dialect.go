package migrate

import (
	"context"
	"database/sql"
	"time"
)

// Executor is the subset of database/sql handles the dialects work with.
// *sql.DB, *sql.Conn, and *sql.Tx all satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Record is one row of the version table: a unit that has been applied to
// this database, with its checksum at application time.
type Record struct {
	Sequence  int64
	Name      string
	AppliedAt time.Time
	Checksum  []byte
}

// Dialect adapts the engine to one database's DDL, locking, and referential
// integrity primitives.
type Dialect interface {
	// EnsureVersionTable creates the version table if missing.
	EnsureVersionTable(ctx context.Context, db Executor) error

	// AppliedRecords returns applied units ordered by ascending sequence.
	AppliedRecords(ctx context.Context, db Executor) ([]Record, error)

	// RecordApplied inserts the version record inside the unit transaction.
	RecordApplied(ctx context.Context, tx Executor, unit Unit, appliedAt time.Time) error

	// AcquireLock takes the advisory migration lock on the given session,
	// waiting at most wait. Returns *LockContention when the lock is held
	// by another run for the whole wait.
	AcquireLock(ctx context.Context, session Executor, wait time.Duration) error

	// ReleaseLock releases the advisory lock held by the session.
	ReleaseLock(ctx context.Context, session Executor) error

	// ForeignKeysOff suspends referential enforcement for the session. It is
	// called outside any transaction; SQLite ignores the pragma inside one.
	ForeignKeysOff(ctx context.Context, session Executor) error

	// ForeignKeysOn restores referential enforcement for the session.
	ForeignKeysOn(ctx context.Context, session Executor) error

	// DeferChecks postpones constraint checking inside the unit transaction,
	// for dialects that scope enforcement per transaction instead of per
	// session.
	DeferChecks(ctx context.Context, tx Executor) error

	// CheckIntegrity verifies referential integrity inside the unit
	// transaction, before commit. It runs for every unit, so integrity
	// holds even when the caller's handle has enforcement off. Any
	// violation fails the unit.
	CheckIntegrity(ctx context.Context, tx Executor) error
}
