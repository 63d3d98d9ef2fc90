package db

import "time"

// Trade is one archived round trip.
type Trade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	AlertAt     time.Time `json:"alert_at"`
	EnteredAt   time.Time `json:"entered_at"`
	ExitedAt    time.Time `json:"exited_at"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Qty         float64   `json:"qty"`
	RealizedPnL float64   `json:"realized_pnl"`
	RealizedR   float64   `json:"realized_r"`
	Mood        string    `json:"mood"`
	Reason      string    `json:"reason"`
	Quality     float64   `json:"quality"`
}

// Purge is an instance retired without ever opening a position.
type Purge struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol"`
	AlertAt  time.Time `json:"alert_at"`
	ClosedAt time.Time `json:"closed_at"`
	Reason   string    `json:"reason"`
}

// Summary is one session's rolled-up result.
type Summary struct {
	Date        string  `json:"date"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	RealizedPnL float64 `json:"realized_pnl"`
	RealizedR   float64 `json:"realized_r"`
}
