// Package db provides database connection handling and schema migration for autofeed.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver; imported for side-effects (driver registration)
)

// DriverName is the database/sql driver used for PostgreSQL.
const DriverName = "postgres"

// Pool settings applied by Open.
const (
	MaxOpenConns    = 20
	MaxIdleConns    = 5
	ConnMaxLifetime = 30 * time.Minute
)

// Open connects to PostgreSQL at url and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	db, err := sql.Open(DriverName, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetConnMaxLifetime(ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// UpMigrations returns the paths of every *.up.sql file in dir, in version order.
func UpMigrations(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ApplyMigrations executes every up migration in dir. Migrations must be
// idempotent; no version table is kept.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	paths, err := UpMigrations(dir)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filepath.Base(p), err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
