package database

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// appliedMigration tracks which migrations have run
type appliedMigration struct {
	bun.BaseModel `bun:"table:bun_schema_migrations"`

	Version   string    `bun:"version,pk"`
	Name      string    `bun:"name,notnull"`
	AppliedAt time.Time `bun:"applied_at,notnull,default:current_timestamp"`
}

// runMigrations runs all Bun migrations
func runMigrations(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*appliedMigration)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Check which migrations have been applied
	var applied []appliedMigration
	if err := db.NewSelect().Model(&applied).Scan(ctx); err != nil {
		return fmt.Errorf("failed to check applied migrations: %w", err)
	}

	appliedMap := make(map[string]bool)
	for _, m := range applied {
		appliedMap[m.Version] = true
	}

	// Run migrations in order
	migrations := []struct {
		version string
		name    string
		up      func(context.Context, *bun.DB) error
	}{
		{"001", "create_batches_table", init001CreateBatchesTable},
		{"002", "create_outcomes_table", init002CreateOutcomesTable},
		{"003", "index_outcomes_path", init003IndexOutcomesPath},
	}

	for _, m := range migrations {
		if appliedMap[m.version] {
			continue
		}

		logger().Info("Running migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, db); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.version, err)
		}

		_, err = db.NewInsert().
			Model(&appliedMigration{Version: m.version, Name: m.name, AppliedAt: time.Now()}).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark migration %s as applied: %w", m.version, err)
		}
	}

	logger().Info("All migrations completed successfully")
	return nil
}

// Migration 001: Create batches table
func init001CreateBatchesTable(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*BunBatch)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create batches table: %w", err)
	}
	_, err = db.NewCreateIndex().Model((*BunBatch)(nil)).
		Index("idx_batches_started_at").
		IfNotExists().
		Column("started_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create batches index: %w", err)
	}
	return nil
}

// Migration 002: Create outcomes table
func init002CreateOutcomesTable(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*BunOutcome)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create outcomes table: %w", err)
	}
	_, err = db.NewCreateIndex().Model((*BunOutcome)(nil)).
		Index("idx_outcomes_batch_id").
		IfNotExists().
		Column("batch_id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create outcomes index: %w", err)
	}
	return nil
}

// Migration 003: Index outcomes by input path for the ingress scan
func init003IndexOutcomesPath(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateIndex().Model((*BunOutcome)(nil)).
		Index("idx_outcomes_path").
		IfNotExists().
		Column("path", "status").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create outcomes path index: %w", err)
	}
	return nil
}
