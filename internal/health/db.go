package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker checks PostgreSQL connectivity and that the listings schema is present.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db: db,
	}
}

// Name identifies the checker in readiness responses.
func (d *DBChecker) Name() string {
	return "database"
}

// HealthCheck pings the database and verifies the listings table exists.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return ErrNotConfigured
	}
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}

	var exists bool
	if err := d.db.QueryRowContext(ctx, `SELECT to_regclass('public.listings') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check listings table: %w", err)
	}
	if !exists {
		return fmt.Errorf("listings table missing; run migrations")
	}
	return nil
}
