package migrate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgForeignKeyViolation = "23503"

// Postgres adapts the engine to PostgreSQL. Runs serialize on a session
// advisory lock, and rebuild units lean on deferred constraints instead of
// a session-wide enforcement switch.
type Postgres struct{}

// lockKey derives the advisory lock key from the version table name, so
// every run against the same database contends on the same key.
func (Postgres) lockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte("gamequeue/" + versionTable))
	return int64(h.Sum64())
}

func (Postgres) EnsureVersionTable(ctx context.Context, db Executor) error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    sequence BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at BIGINT NOT NULL,
    checksum BYTEA NOT NULL
);
`, versionTable)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return nil
}

func (Postgres) AppliedRecords(ctx context.Context, db Executor) ([]Record, error) {
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

func (Postgres) RecordApplied(ctx context.Context, tx Executor, unit Unit, appliedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (sequence, name, applied_at, checksum) VALUES ($1, $2, $3, $4)", versionTable),
		unit.Sequence, unit.Name, appliedAt.UTC().UnixMilli(), unit.Checksum)
	if err != nil {
		return fmt.Errorf("record migration %d_%s: %w", unit.Sequence, unit.Name, err)
	}
	return nil
}

func (d Postgres) AcquireLock(ctx context.Context, session Executor, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		var acquired bool
		row := session.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", d.lockKey())
		if err := row.Scan(&acquired); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		if acquired {
			return nil
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

func (d Postgres) ReleaseLock(ctx context.Context, session Executor) error {
	if _, err := session.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", d.lockKey()); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

// ForeignKeysOff is a no-op: enforcement scope is the transaction, via
// DeferChecks.
func (Postgres) ForeignKeysOff(ctx context.Context, session Executor) error {
	return nil
}

func (Postgres) ForeignKeysOn(ctx context.Context, session Executor) error {
	return nil
}

func (Postgres) DeferChecks(ctx context.Context, tx Executor) error {
	if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		return fmt.Errorf("defer constraints: %w", err)
	}
	return nil
}

// CheckIntegrity forces deferred constraints to fire before commit, so a
// rebuild that broke a reference fails inside the unit transaction.
func (Postgres) CheckIntegrity(ctx context.Context, tx Executor) error {
	if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("foreign key check found violation on %s: %w", pgErr.TableName, err)
		}
		return fmt.Errorf("constraint check: %w", err)
	}
	return nil
}
