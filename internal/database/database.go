package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/storecredit/creditnote/internal/config"
)

// DB holds database connections
type DB struct {
	Postgres *sqlx.DB
}

// NewDB creates new database connections using config
func NewDB(ctx context.Context, cfg *config.Config) (*DB, error) {
	// Connect to PostgreSQL
	postgres, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	postgres.SetMaxOpenConns(cfg.Database.MaxConns)
	postgres.SetMaxIdleConns(cfg.Database.MinConns)
	postgres.SetConnMaxLifetime(time.Hour)

	// Test PostgreSQL connection
	if err := postgres.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL")

	return &DB{
		Postgres: postgres,
	}, nil
}

// Migrate creates the ledger tables, constraints, and indexes. The unique
// constraint on note_number and the partial unique index on
// (instrument_id, external_ref) are load-bearing: the repository maps
// their violations into the ledger error taxonomy.
func (db *DB) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS credit_notes (
			id UUID PRIMARY KEY,
			note_number TEXT NOT NULL UNIQUE,
			merchant_id TEXT NOT NULL,
			owner_ref TEXT NOT NULL,
			original_amount NUMERIC(20, 2) NOT NULL CHECK (original_amount > 0),
			remaining_amount NUMERIC(20, 2) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			CONSTRAINT remaining_within_original
				CHECK (remaining_amount >= 0 AND remaining_amount <= original_amount)
		);

		CREATE INDEX IF NOT EXISTS idx_credit_notes_merchant_status
			ON credit_notes (merchant_id, status);
		CREATE INDEX IF NOT EXISTS idx_credit_notes_merchant_created
			ON credit_notes (merchant_id, created_at);

		CREATE TABLE IF NOT EXISTS redemptions (
			id UUID PRIMARY KEY,
			instrument_id UUID NOT NULL REFERENCES credit_notes (id),
			amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
			external_ref TEXT NOT NULL DEFAULT '',
			actor_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS redemptions_instrument_external_idx
			ON redemptions (instrument_id, external_ref) WHERE external_ref <> '';
		CREATE INDEX IF NOT EXISTS idx_redemptions_instrument
			ON redemptions (instrument_id);
	`

	if _, err := db.Postgres.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

// Close closes all database connections
func (db *DB) Close() error {
	if err := db.Postgres.Close(); err != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", err)
	}

	return nil
}
