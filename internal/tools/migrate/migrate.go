// Package migrate implements the schema migration command: apply pending
// migration units or report a database's migration status.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/gamequeue/internal/platform/config"
	storemigrate "github.com/louisbranch/gamequeue/internal/platform/storage/migrate"
	lobbysqlite "github.com/louisbranch/gamequeue/internal/services/lobby/storage/sqlite"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Config holds migrate command configuration.
type Config struct {
	DBPath        string        `env:"GAMEQUEUE_DB_PATH"`
	Driver        string        `env:"GAMEQUEUE_DB_DRIVER" envDefault:"sqlite"`
	DSN           string        `env:"GAMEQUEUE_DB_DSN"`
	MigrationsDir string
	Status        bool
	JSONOutput    bool
	Timeout       time.Duration `env:"GAMEQUEUE_MIGRATE_TIMEOUT" envDefault:"10m"`
	LockWait      time.Duration `env:"GAMEQUEUE_MIGRATE_LOCK_WAIT" envDefault:"10s"`
}

type envConfig struct {
	DBPath   string        `env:"GAMEQUEUE_DB_PATH"`
	Driver   string        `env:"GAMEQUEUE_DB_DRIVER" envDefault:"sqlite"`
	DSN      string        `env:"GAMEQUEUE_DB_DSN"`
	Timeout  time.Duration `env:"GAMEQUEUE_MIGRATE_TIMEOUT" envDefault:"10m"`
	LockWait time.Duration `env:"GAMEQUEUE_MIGRATE_LOCK_WAIT" envDefault:"10s"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:   envCfg.DBPath,
		Driver:   envCfg.Driver,
		DSN:      envCfg.DSN,
		Timeout:  envCfg.Timeout,
		LockWait: envCfg.LockWait,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "lobby.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to lobby sqlite database (default: GAMEQUEUE_DB_PATH or data/lobby.db)")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "database driver: sqlite or pgx (default: GAMEQUEUE_DB_DRIVER)")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "connection string for non-sqlite drivers (default: GAMEQUEUE_DB_DSN)")
	fs.StringVar(&cfg.MigrationsDir, "migrations-dir", "", "apply <sequence>_<name>.sql files from this directory instead of the bundled lobby history")
	fs.BoolVar(&cfg.Status, "status", false, "report current version and pending migrations without applying")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	fs.DurationVar(&cfg.LockWait, "lock-wait", cfg.LockWait, "bounded wait for the migration lock before failing")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the migrate command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	eng, db, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close database: %v\n", closeErr)
		}
	}()
	eng.LockWait = cfg.LockWait

	if cfg.Status {
		return runStatus(ctx, eng, db, cfg.JSONOutput, out)
	}
	return runMigrate(ctx, eng, db, cfg.JSONOutput, out)
}

func buildEngine(cfg Config) (*storemigrate.Engine, *sql.DB, error) {
	driver := strings.TrimSpace(cfg.Driver)

	if cfg.MigrationsDir == "" {
		if driver != "sqlite" {
			return nil, nil, fmt.Errorf("the bundled lobby history is sqlite-only; use -migrations-dir with driver %q", driver)
		}
		db, err := openSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return lobbysqlite.NewEngine(nil), db, nil
	}

	source := os.DirFS(cfg.MigrationsDir)
	switch driver {
	case "sqlite":
		db, err := openSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return storemigrate.New(source, "", storemigrate.SQLite{}), db, nil
	case "pgx":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, nil, fmt.Errorf("driver pgx requires -dsn")
		}
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres db: %w", err)
		}
		return storemigrate.New(source, "", storemigrate.Postgres{}), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", driver)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return db, nil
}

type unitReport struct {
	Sequence int64  `json:"sequence"`
	Name     string `json:"name"`
}

type statusReport struct {
	Current int64        `json:"current"`
	Pending []unitReport `json:"pending"`
}

type migrateReport struct {
	Applied []int64 `json:"applied"`
}

func runStatus(ctx context.Context, eng *storemigrate.Engine, db *sql.DB, jsonOutput bool, out io.Writer) error {
	status, err := eng.Status(ctx, db)
	if err != nil {
		return err
	}

	if jsonOutput {
		report := statusReport{Current: status.Current, Pending: []unitReport{}}
		for _, unit := range status.Pending {
			report.Pending = append(report.Pending, unitReport{Sequence: unit.Sequence, Name: unit.Name})
		}
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "current version: %d\n", status.Current)
	if len(status.Pending) == 0 {
		fmt.Fprintln(out, "pending: none")
		return nil
	}
	fmt.Fprintln(out, "pending:")
	for _, unit := range status.Pending {
		fmt.Fprintf(out, "  %d_%s\n", unit.Sequence, unit.Name)
	}
	return nil
}

func runMigrate(ctx context.Context, eng *storemigrate.Engine, db *sql.DB, jsonOutput bool, out io.Writer) error {
	result, err := eng.Migrate(ctx, db)

	if jsonOutput {
		report := migrateReport{Applied: result.Applied}
		if report.Applied == nil {
			report.Applied = []int64{}
		}
		if writeErr := writeJSON(out, report); writeErr != nil && err == nil {
			return writeErr
		}
		return err
	}

	for _, sequence := range result.Applied {
		fmt.Fprintf(out, "applied migration %d\n", sequence)
	}
	if err != nil {
		return err
	}
	if len(result.Applied) == 0 {
		fmt.Fprintln(out, "database is up to date")
	}
	return nil
}

func writeJSON(out io.Writer, report any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
