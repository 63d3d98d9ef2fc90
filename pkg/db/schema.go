package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    alert_at DATETIME NOT NULL,
    entered_at DATETIME NOT NULL,
    exited_at DATETIME NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    qty REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    realized_r REAL NOT NULL,
    mood TEXT NOT NULL,
    reason TEXT NOT NULL,
    quality REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_entered ON trades(entered_at);

CREATE TABLE IF NOT EXISTS purges (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    alert_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL,
    reason TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    date TEXT PRIMARY KEY,
    trades INTEGER DEFAULT 0,
    wins INTEGER DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    realized_r REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Init creates the schema if it does not exist.
func Init(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
