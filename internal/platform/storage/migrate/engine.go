package migrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultLockWait bounds how long a run waits for the advisory lock before
// failing with LockContention.
const DefaultLockWait = 10 * time.Second

// Engine discovers and applies one migration set against a database.
type Engine struct {
	Source   fs.FS
	Root     string
	Dialect  Dialect
	GoUnits  []GoUnit
	LockWait time.Duration
}

// New returns an Engine reading <sequence>_<name>.sql units from source
// under root. A nil dialect defaults to SQLite.
func New(source fs.FS, root string, dialect Dialect) *Engine {
	if dialect == nil {
		dialect = SQLite{}
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	return &Engine{
		Source:   source,
		Root:     root,
		Dialect:  dialect,
		LockWait: DefaultLockWait,
	}
}

// Register adds a Go-bodied unit to the engine's migration set.
func (e *Engine) Register(unit GoUnit) {
	e.GoUnits = append(e.GoUnits, unit)
}

// Result reports one migrate run: the sequences applied before the run
// completed or halted.
type Result struct {
	Applied []int64
}

// Status is an advisory snapshot of a database's migration state. It is
// read outside the lock and must not be used to decide whether to apply.
type Status struct {
	Current int64
	Pending []Unit
}

// Discover loads every unit from the SQL source and the registered Go
// units, sorted ascending by sequence. Malformed filenames and duplicate
// sequences fail with *DiscoveryError.
func (e *Engine) Discover() ([]Unit, error) {
	var units []Unit

	if e.Source != nil {
		entries, err := fs.ReadDir(e.Source, e.Root)
		if err != nil {
			return nil, fmt.Errorf("read migrations dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
				continue
			}

			seq, name, err := parseFilename(entry.Name())
			if err != nil {
				return nil, &DiscoveryError{Name: entry.Name(), Reason: err.Error()}
			}

			readPath := entry.Name()
			if e.Root != "." {
				readPath = filepath.ToSlash(filepath.Join(e.Root, entry.Name()))
			}
			content, err := fs.ReadFile(e.Source, readPath)
			if err != nil {
				return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
			}

			body, disableForeignKeys := parseBody(string(content))
			sum := sha256.Sum256(content)
			units = append(units, Unit{
				Sequence:           seq,
				Name:               name,
				Checksum:           sum[:],
				SQL:                body,
				DisableForeignKeys: disableForeignKeys,
			})
		}
	}

	for _, g := range e.GoUnits {
		if g.Run == nil {
			return nil, &DiscoveryError{Name: g.Name, Reason: "go unit has no body"}
		}
		if g.Sequence <= 0 {
			return nil, &DiscoveryError{Name: g.Name, Reason: fmt.Sprintf("sequence must be positive, got %d", g.Sequence)}
		}
		units = append(units, Unit{
			Sequence:           g.Sequence,
			Name:               g.Name,
			Checksum:           g.checksum(),
			DisableForeignKeys: g.DisableForeignKeys,
			Run:                g.Run,
		})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Sequence < units[j].Sequence })

	for i := 1; i < len(units); i++ {
		if units[i].Sequence == units[i-1].Sequence {
			return nil, &DiscoveryError{
				Name:   fmt.Sprintf("%d_%s", units[i].Sequence, units[i].Name),
				Reason: fmt.Sprintf("duplicate sequence %d (also %d_%s)", units[i].Sequence, units[i-1].Sequence, units[i-1].Name),
			}
		}
	}
	return units, nil
}

// CurrentVersion returns the highest applied sequence, or 0 when none.
func (e *Engine) CurrentVersion(ctx context.Context, db *sql.DB) (int64, error) {
	if err := e.Dialect.EnsureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	records, err := e.Dialect.AppliedRecords(ctx, db)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Sequence, nil
}

// Pending returns discovered units above the current version, ascending.
func (e *Engine) Pending(ctx context.Context, db *sql.DB) ([]Unit, error) {
	units, err := e.Discover()
	if err != nil {
		return nil, err
	}
	current, err := e.CurrentVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []Unit
	for _, unit := range units {
		if unit.Sequence > current {
			pending = append(pending, unit)
		}
	}
	return pending, nil
}

// Status reports the current version and pending units, verifying that
// already-applied units still match their recorded checksums.
func (e *Engine) Status(ctx context.Context, db *sql.DB) (Status, error) {
	units, err := e.Discover()
	if err != nil {
		return Status{}, err
	}
	if err := e.Dialect.EnsureVersionTable(ctx, db); err != nil {
		return Status{}, err
	}
	records, err := e.Dialect.AppliedRecords(ctx, db)
	if err != nil {
		return Status{}, err
	}
	if err := verifyChecksums(units, records); err != nil {
		return Status{}, err
	}

	status := Status{Current: highestSequence(records)}
	for _, unit := range units {
		if unit.Sequence > status.Current {
			status.Pending = append(status.Pending, unit)
		}
	}
	return status, nil
}

// Migrate applies every pending unit in ascending order, stopping at the
// first failure. The whole run holds the dialect's advisory lock. The
// caller's context may cancel between units, never mid-transaction.
func (e *Engine) Migrate(ctx context.Context, db *sql.DB) (Result, error) {
	units, err := e.Discover()
	if err != nil {
		return Result{}, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if err := e.Dialect.EnsureVersionTable(ctx, conn); err != nil {
		return Result{}, err
	}

	lockWait := e.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	if err := e.Dialect.AcquireLock(ctx, conn, lockWait); err != nil {
		return Result{}, err
	}
	defer func() {
		_ = e.Dialect.ReleaseLock(context.WithoutCancel(ctx), conn)
	}()

	records, err := e.Dialect.AppliedRecords(ctx, conn)
	if err != nil {
		return Result{}, err
	}
	if err := verifyChecksums(units, records); err != nil {
		return Result{}, err
	}
	current := highestSequence(records)

	var result Result
	for _, unit := range units {
		if unit.Sequence <= current {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("migration run canceled: %w", err)
		}
		if err := e.applyOn(ctx, conn, unit); err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, unit.Sequence)
	}
	return result, nil
}

// Apply executes one unit and its version record in a single transaction,
// without taking the run lock. Migrate is the locked path; Apply serves
// callers that already hold exclusive access, such as tests stepping
// through history.
func (e *Engine) Apply(ctx context.Context, db *sql.DB, unit Unit) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if err := e.Dialect.EnsureVersionTable(ctx, conn); err != nil {
		return err
	}
	return e.applyOn(ctx, conn, unit)
}

func (e *Engine) applyOn(ctx context.Context, conn *sql.Conn, unit Unit) (err error) {
	fail := func(cause error) error {
		return &MigrationFailure{Sequence: unit.Sequence, Name: unit.Name, Cause: cause}
	}

	if unit.DisableForeignKeys {
		if offErr := e.Dialect.ForeignKeysOff(ctx, conn); offErr != nil {
			return fail(offErr)
		}
		defer func() {
			onErr := e.Dialect.ForeignKeysOn(context.WithoutCancel(ctx), conn)
			if onErr != nil && err == nil {
				err = fail(onErr)
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("begin transaction: %w", err))
	}

	if unit.DisableForeignKeys {
		if deferErr := e.Dialect.DeferChecks(ctx, tx); deferErr != nil {
			_ = tx.Rollback()
			return fail(deferErr)
		}
	}

	if unit.Run != nil {
		if runErr := unit.Run(ctx, tx); runErr != nil {
			_ = tx.Rollback()
			return fail(runErr)
		}
	} else if strings.TrimSpace(unit.SQL) != "" {
		if _, execErr := tx.ExecContext(ctx, unit.SQL); execErr != nil {
			_ = tx.Rollback()
			return fail(fmt.Errorf("exec body: %w", execErr))
		}
	}

	// Every unit gets the integrity check, not just rebuilds: enforcement
	// may be off on the caller's handle, and a violation must fail the
	// transaction rather than commit silently.
	if checkErr := e.Dialect.CheckIntegrity(ctx, tx); checkErr != nil {
		_ = tx.Rollback()
		return fail(checkErr)
	}

	if recordErr := e.Dialect.RecordApplied(ctx, tx, unit, time.Now().UTC()); recordErr != nil {
		_ = tx.Rollback()
		return fail(recordErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fail(fmt.Errorf("commit: %w", commitErr))
	}
	return nil
}

// verifyChecksums fails with *ChecksumMismatch when an applied record's
// source unit changed or disappeared.
func verifyChecksums(units []Unit, records []Record) error {
	bySequence := make(map[int64]Unit, len(units))
	for _, unit := range units {
		bySequence[unit.Sequence] = unit
	}
	for _, record := range records {
		unit, found := bySequence[record.Sequence]
		if !found {
			return &ChecksumMismatch{Sequence: record.Sequence, Name: record.Name, Recorded: record.Checksum}
		}
		if !bytes.Equal(unit.Checksum, record.Checksum) || unit.Name != record.Name {
			return &ChecksumMismatch{
				Sequence: record.Sequence,
				Name:     record.Name,
				Recorded: record.Checksum,
				Current:  unit.Checksum,
			}
		}
	}
	return nil
}

func highestSequence(records []Record) int64 {
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Sequence
}
