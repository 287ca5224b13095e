package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"integrityspine/pkg/store"
)

// migrationLockKey serialises concurrent migrators on the same database.
const migrationLockKey int64 = 0x5350494e45

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

type migration struct {
	name     string
	path     string
	sql      []byte
	checksum string
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR"))
	if dir == "" {
		dir = "migrations"
	}
	if strings.EqualFold(os.Getenv("MIGRATIONS_DRY_RUN"), "true") {
		pending, err := pendingMigrations(ctx, pool, dir, nil, nil)
		if err != nil {
			logFatalf("migration plan: %v", err)
			return
		}
		for _, m := range pending {
			log.Printf("pending migration %s (%s)", m.name, m.checksum[:12])
		}
		log.Printf("%d pending migrations", len(pending))
		return
	}
	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func ensureTable(ctx context.Context, db migrationDB) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// appliedChecksum returns the recorded checksum, or ok=false when the
// migration has not run.
func appliedChecksum(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, name string) (sum string, ok bool, err error) {
	err = q.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("migration lookup %s: %w", name, err)
	}
	return sum, true, nil
}

// loadMigrations reads every *.sql file in name order.
func loadMigrations(
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
) ([]migration, error) {
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	out := make([]migration, 0, len(files))
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return nil, fmt.Errorf("invalid migration path: %s", file)
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", cleanFile, err)
		}
		out = append(out, migration{
			name:     filepath.Base(cleanFile),
			path:     cleanFile,
			sql:      sqlBytes,
			checksum: checksum(sqlBytes),
		})
	}
	return out, nil
}

// pendingMigrations lists what runMigrations would apply. An applied file
// whose contents changed is an error: migrations are append-only.
func pendingMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
) ([]migration, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	all, err := loadMigrations(migrationsDir, readFile, glob)
	if err != nil {
		return nil, err
	}
	var pending []migration
	for _, m := range all {
		sum, ok, err := appliedChecksum(ctx, db, m.name)
		if err != nil {
			return nil, err
		}
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.checksum {
			return nil, fmt.Errorf("migration %s changed after it was applied", m.name)
		}
	}
	return pending, nil
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if logf == nil {
		logf = log.Printf
	}
	pending, err := pendingMigrations(ctx, db, migrationsDir, readFile, glob)
	if err != nil {
		return err
	}
	applied := 0
	for _, m := range pending {
		ran, err := apply(ctx, db, m)
		if err != nil {
			return err
		}
		if ran {
			applied++
			logf("applied migration %s", m.name)
		}
	}
	logf("migrations applied: %d of %d pending", applied, len(pending))
	return nil
}

// apply runs one migration under the advisory lock. Another migrator may
// have applied it since the plan was made; that is not an error.
func apply(ctx context.Context, db migrationDB, m migration) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	fail := func(err error) (bool, error) {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fail(fmt.Errorf("lock migrations: %w", err))
	}
	sum, ok, err := appliedChecksum(ctx, tx, m.name)
	if err != nil {
		return fail(err)
	}
	if ok {
		if sum != m.checksum {
			return fail(fmt.Errorf("migration %s changed after it was applied", m.name))
		}
		return false, tx.Rollback(ctx)
	}
	if _, err := tx.Exec(ctx, string(m.sql)); err != nil {
		return fail(fmt.Errorf("apply migration %s: %w", m.path, err))
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.name, m.checksum); err != nil {
		return fail(fmt.Errorf("mark migration %s: %w", m.name, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return true, nil
}
