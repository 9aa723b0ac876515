// Package store persists trading activity: a SQLite journal of orders and
// executions with realized-P&L trade metrics, and a Parquet archive of the
// raw event stream for offline analysis.
package store

import (
	"time"

	"jib/internal/domain"
)

// Journal records order and execution history and answers P&L queries.
type Journal interface {
	// RecordOrder upserts the order keyed by correlation id. Safe to call
	// repeatedly as the order progresses.
	RecordOrder(order domain.Order) error

	// RecordExecution inserts one fill, keyed by the broker execution id.
	// Duplicate execution ids are ignored.
	RecordExecution(exec domain.Execution) error

	// Orders returns the most recent orders, newest first.
	Orders(limit int) ([]domain.Order, error)

	// Metrics computes trade statistics over the whole journal.
	Metrics() (Metrics, error)

	// DailyRealizedPnL sums realized P&L for the trading day containing t.
	DailyRealizedPnL(t time.Time) (float64, error)

	Close() error
}

// Metrics summarizes closed-trade performance. A "trade" is any execution
// that realized P&L (reduced or closed a position).
type Metrics struct {
	TotalTrades   int                `json:"total_trades"`
	WinningTrades int                `json:"winning_trades"`
	LosingTrades  int                `json:"losing_trades"`
	WinRate       float64            `json:"win_rate"`
	AvgWin        float64            `json:"avg_win"`
	AvgLoss       float64            `json:"avg_loss"`
	TotalRealized float64            `json:"total_realized_pnl"`
	DailyPnL      map[string]float64 `json:"daily_pnl"` // YYYY-MM-DD -> realized
}
