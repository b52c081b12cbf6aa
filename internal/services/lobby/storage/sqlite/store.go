package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/louisbranch/gamequeue/internal/platform/id"
	"github.com/louisbranch/gamequeue/internal/platform/storage/migrate"
	_ "modernc.org/sqlite"
)

// Store holds an open lobby database at its latest schema version.
type Store struct {
	sqlDB *sql.DB
	eng   *migrate.Engine
}

// Open opens the lobby SQLite database and applies the bundled schema
// history. User keys generated during conversion are random.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithGenerator(ctx, path, nil)
}

// OpenWithGenerator opens the lobby database with a caller-provided
// identifier generator for the user key conversion.
func OpenWithGenerator(ctx context.Context, path string, gen id.Generator) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	eng := NewEngine(gen)
	if _, err := eng.Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, eng: eng}, nil
}

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// SchemaVersion returns the highest applied migration sequence.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return s.eng.CurrentVersion(ctx, s.sqlDB)
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
