package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	versionTable = "schema_migrations"
	lockTable    = "schema_lock"

	lockRetryInterval = 50 * time.Millisecond

	// lockStaleAfter bounds how long a lock row survives its owner. A run
	// that dies without releasing leaves the row behind; rows older than
	// this are reclaimed so later runs are not wedged forever.
	lockStaleAfter = 30 * time.Minute
)

// SQLite is the default dialect. The advisory lock is a single-row table:
// holding the lock means owning the row, and contention shows up as a
// primary-key conflict on insert.
type SQLite struct{}

func (SQLite) EnsureVersionTable(ctx context.Context, db Executor) error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    sequence INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at INTEGER NOT NULL,
    checksum BLOB NOT NULL
);
`, versionTable)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return nil
}

func (SQLite) AppliedRecords(ctx context.Context, db Executor) ([]Record, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT sequence, name, applied_at, checksum FROM %s ORDER BY sequence", versionTable))
	if err != nil {
		return nil, fmt.Errorf("read version table: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var appliedAt int64
		if err := rows.Scan(&record.Sequence, &record.Name, &appliedAt, &record.Checksum); err != nil {
			return nil, fmt.Errorf("scan version record: %w", err)
		}
		record.AppliedAt = time.UnixMilli(appliedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read version table: %w", err)
	}
	return records, nil
}

func (SQLite) RecordApplied(ctx context.Context, tx Executor, unit Unit, appliedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (sequence, name, applied_at, checksum) VALUES (?, ?, ?, ?)", versionTable),
		unit.Sequence, unit.Name, appliedAt.UTC().UnixMilli(), unit.Checksum)
	if err != nil {
		return fmt.Errorf("record migration %d_%s: %w", unit.Sequence, unit.Name, err)
	}
	return nil
}

func (SQLite) AcquireLock(ctx context.Context, session Executor, wait time.Duration) error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    locked_at INTEGER NOT NULL
);
`, lockTable)
	if _, err := session.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure lock table: %w", err)
	}

	deadline := time.Now().Add(wait)
	for {
		_, err := session.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (id, locked_at) VALUES (1, ?)", lockTable),
			time.Now().UTC().UnixMilli())
		if err == nil {
			return nil
		}
		if !isLockHeldError(err) {
			return fmt.Errorf("acquire migration lock: %w", err)
		}

		staleCutoff := time.Now().Add(-lockStaleAfter).UTC().UnixMilli()
		if _, delErr := session.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = 1 AND locked_at < ?", lockTable),
			staleCutoff); delErr != nil && !isLockHeldError(delErr) {
			return fmt.Errorf("reclaim stale migration lock: %w", delErr)
		}

		if time.Now().After(deadline) {
			return &LockContention{Wait: wait}
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire migration lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (SQLite) ReleaseLock(ctx context.Context, session Executor) error {
	if _, err := session.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = 1", lockTable)); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

func (SQLite) ForeignKeysOff(ctx context.Context, session Executor) error {
	if _, err := session.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	return nil
}

func (SQLite) ForeignKeysOn(ctx context.Context, session Executor) error {
	if _, err := session.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	return nil
}

// DeferChecks is a no-op: SQLite enforcement is suspended per session via
// ForeignKeysOff instead.
func (SQLite) DeferChecks(ctx context.Context, tx Executor) error {
	return nil
}

func (SQLite) CheckIntegrity(ctx context.Context, tx Executor) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table, parent string
		var rowid, fkIndex any
		if err := rows.Scan(&table, &rowid, &parent, &fkIndex); err != nil {
			return fmt.Errorf("scan foreign key violation: %w", err)
		}
		violations = append(violations, fmt.Sprintf("%s row %v references missing %s", table, rowid, parent))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	if len(violations) > 0 {
		return fmt.Errorf("foreign key check found %d violations: %s",
			len(violations), strings.Join(violations, "; "))
	}
	return nil
}

// isLockHeldError reports whether a lock-table write should be retried: the
// row already exists, or another session has the database busy.
func isLockHeldError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique") ||
		strings.Contains(value, "constraint") ||
		strings.Contains(value, "busy") ||
		strings.Contains(value, "locked")
}
