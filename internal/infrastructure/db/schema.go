package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Schema is created on startup when missing. Logical uniqueness of
// orderbook_snapshots on (source, instrument) is enforced by the
// upsert path, not a constraint.
var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		instrument TEXT NOT NULL,
		trade_id TEXT,
		price DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		side TEXT,
		ts TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_source ON trades (source)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (instrument)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_trade_id ON trades (trade_id)`,
	`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		instrument TEXT NOT NULL,
		sequence BIGINT,
		bids JSONB NOT NULL,
		asks JSONB NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_source ON orderbook_snapshots (source)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_instrument ON orderbook_snapshots (instrument)`,
}

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		instrument TEXT NOT NULL,
		trade_id TEXT,
		price REAL NOT NULL,
		size REAL NOT NULL,
		side TEXT,
		ts TIMESTAMP NOT NULL,
		received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_source ON trades (source)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (instrument)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_trade_id ON trades (trade_id)`,
	`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		instrument TEXT NOT NULL,
		sequence INTEGER,
		bids TEXT NOT NULL,
		asks TEXT NOT NULL,
		ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_source ON orderbook_snapshots (source)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_instrument ON orderbook_snapshots (instrument)`,
}

func ensureSchema(ctx context.Context, db *sqlx.DB, driver string) error {
	stmts := schemaSQLite
	if driver == "postgres" {
		stmts = schemaPostgres
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
