package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// Store runs the archive queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertTrade archives one round trip and returns its generated id.
func (s *Store) InsertTrade(ctx context.Context, t Trade) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, symbol, alert_at, entered_at, exited_at,
		                    entry_price, exit_price, qty, realized_pnl,
		                    realized_r, mood, reason, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.AlertAt, t.EnteredAt, t.ExitedAt,
		t.EntryPrice, t.ExitPrice, t.Qty, t.RealizedPnL,
		t.RealizedR, t.Mood, t.Reason, t.Quality)
	if err != nil {
		return "", fmt.Errorf("insert trade: %w", err)
	}
	return t.ID, nil
}

// InsertPurge records an instance retired without a position.
func (s *Store) InsertPurge(ctx context.Context, p Purge) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purges (id, symbol, alert_at, closed_at, reason)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, p.AlertAt, p.ClosedAt, p.Reason)
	if err != nil {
		return fmt.Errorf("insert purge: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, alert_at, entered_at, exited_at,
		       entry_price, exit_price, qty, realized_pnl,
		       realized_r, mood, reason, COALESCE(quality, 0)
		FROM trades
		ORDER BY exited_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.AlertAt, &t.EnteredAt, &t.ExitedAt,
			&t.EntryPrice, &t.ExitPrice, &t.Qty, &t.RealizedPnL,
			&t.RealizedR, &t.Mood, &t.Reason, &t.Quality); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TradesBySymbol returns a symbol's archived trades, newest first.
func (s *Store) TradesBySymbol(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, alert_at, entered_at, exited_at,
		       entry_price, exit_price, qty, realized_pnl,
		       realized_r, mood, reason, COALESCE(quality, 0)
		FROM trades
		WHERE symbol = ?
		ORDER BY exited_at DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.AlertAt, &t.EnteredAt, &t.ExitedAt,
			&t.EntryPrice, &t.ExitPrice, &t.Qty, &t.RealizedPnL,
			&t.RealizedR, &t.Mood, &t.Reason, &t.Quality); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SaveDailySummary aggregates the day's trades (date in YYYY-MM-DD) and
// upserts the result. Called at session end and on day rolls.
func (s *Store) SaveDailySummary(ctx context.Context, date string) (Summary, error) {
	sum := Summary{Date: date}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(realized_pnl), 0),
		       COALESCE(SUM(realized_r), 0)
		FROM trades
		WHERE date(exited_at) = ?
	`, date).Scan(&sum.Trades, &sum.Wins, &sum.RealizedPnL, &sum.RealizedR)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate daily summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, trades, wins, realized_pnl, realized_r, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(date) DO UPDATE SET
			trades = excluded.trades,
			wins = excluded.wins,
			realized_pnl = excluded.realized_pnl,
			realized_r = excluded.realized_r,
			updated_at = CURRENT_TIMESTAMP
	`, sum.Date, sum.Trades, sum.Wins, sum.RealizedPnL, sum.RealizedR)
	if err != nil {
		return Summary{}, fmt.Errorf("upsert daily summary: %w", err)
	}
	return sum, nil
}

// DailySummary returns the stored summary for a date.
func (s *Store) DailySummary(ctx context.Context, date string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT date, trades, wins, realized_pnl, realized_r
		FROM daily_summaries
		WHERE date = ?
	`, date).Scan(&sum.Date, &sum.Trades, &sum.Wins, &sum.RealizedPnL, &sum.RealizedR)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("query daily summary: %w", err)
	}
	return sum, nil
}
