package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"jib/internal/domain"
	"jib/internal/state"
	"jib/internal/util"
)

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)

// migrations run in order inside one transaction at open time.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		correlation_id TEXT PRIMARY KEY,
		broker_id      TEXT,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		type           TEXT NOT NULL,
		qty            REAL NOT NULL,
		limit_price    REAL NOT NULL DEFAULT 0,
		stop_price     REAL NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		filled_qty     REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		reason         TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		exec_id        TEXT PRIMARY KEY,
		broker_id      TEXT,
		correlation_id TEXT,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		qty            REAL NOT NULL,
		price          REAL NOT NULL,
		realized_pnl   REAL NOT NULL DEFAULT 0,
		executed_at    TEXT NOT NULL,
		trade_day      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_executed_at
		ON executions (executed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_trade_day
		ON executions (trade_day)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_updated_at
		ON orders (updated_at)`,
}

// SQLiteJournal is the durable trade journal. Realized P&L is attributed to
// the execution that reduced or closed the position, using the same
// average-cost fold as the in-memory state store, so journal metrics and
// live snapshots always agree.
type SQLiteJournal struct {
	db  *sql.DB
	day *util.TradingDay // buckets executions into trading days at insert

	mu        sync.Mutex
	positions map[string]domain.Position // running fold for P&L attribution
}

// OpenSQLiteJournal opens (or creates) the journal database at dbPath, runs
// migrations, and replays recorded executions to rebuild the position fold.
// Trading days roll at UTC midnight; use OpenSQLiteJournalWithDays for a
// session-aligned roll.
func OpenSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	return OpenSQLiteJournalWithDays(dbPath, util.NewTradingDay(time.UTC, 0))
}

// OpenSQLiteJournalWithDays opens the journal with a custom trading-day
// bucketer, so daily P&L (and the daily-loss gate fed by it) can follow an
// exchange session instead of the calendar.
func OpenSQLiteJournalWithDays(dbPath string, day *util.TradingDay) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db, day: day, positions: make(map[string]domain.Position)}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.replayPositions(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()
	for i, stmt := range migrations {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// replayPositions rebuilds the per-symbol fold from the executions table so
// P&L attribution continues correctly across restarts.
func (j *SQLiteJournal) replayPositions() error {
	rows, err := j.db.Query(
		`SELECT symbol, side, qty, price FROM executions ORDER BY executed_at, exec_id`)
	if err != nil {
		return fmt.Errorf("replay executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, side string
		var qty, price float64
		if err := rows.Scan(&symbol, &side, &qty, &price); err != nil {
			return fmt.Errorf("scan execution: %w", err)
		}
		pos := j.positions[symbol]
		pos.Symbol = symbol
		j.positions[symbol] = state.ApplyFill(pos, domain.OrderSide(side), qty, price)
	}
	return rows.Err()
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// RecordOrder upserts the order row. The same correlation id may be written
// many times as the order progresses; the last write wins.
func (j *SQLiteJournal) RecordOrder(order domain.Order) error {
	_, err := j.db.Exec(`
		INSERT INTO orders (
			correlation_id, broker_id, symbol, side, type, qty,
			limit_price, stop_price, status, filled_qty, avg_fill_price,
			reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			broker_id = excluded.broker_id,
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		order.CorrelationID, order.BrokerID, order.Symbol, string(order.Side),
		string(order.Type), order.Qty, order.LimitPrice, order.StopPrice,
		string(order.Status), order.FilledQty, order.AvgFillPrice, order.Reason,
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
		order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", order.CorrelationID, err)
	}
	return nil
}

// RecordExecution inserts one fill and attributes realized P&L to it.
// Replays of the same execution id are no-ops.
func (j *SQLiteJournal) RecordExecution(exec domain.Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := j.positions[exec.Symbol]
	prev.Symbol = exec.Symbol
	next := state.ApplyFill(prev, exec.Side, exec.Qty, exec.Price)
	realized := next.RealizedPnL - prev.RealizedPnL

	res, err := j.db.Exec(`
		INSERT OR IGNORE INTO executions (
			exec_id, broker_id, correlation_id, symbol, side, qty, price,
			realized_pnl, executed_at, trade_day
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecID, exec.BrokerID, exec.CorrelationID, exec.Symbol,
		string(exec.Side), exec.Qty, exec.Price, realized,
		exec.At.UTC().Format(time.RFC3339Nano),
		j.dayKey(exec.At),
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", exec.ExecID, err)
	}
	// Advance the fold only if the row was actually new.
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		j.positions[exec.Symbol] = next
	}
	return nil
}

// Orders returns the most recently updated orders, newest first.
func (j *SQLiteJournal) Orders(limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`
		SELECT correlation_id, broker_id, symbol, side, type, qty,
		       limit_price, stop_price, status, filled_qty, avg_fill_price,
		       reason, created_at, updated_at
		FROM orders ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, typ, status, created, updated string
		var brokerID, reason sql.NullString
		if err := rows.Scan(&o.CorrelationID, &brokerID, &o.Symbol, &side, &typ,
			&o.Qty, &o.LimitPrice, &o.StopPrice, &status, &o.FilledQty,
			&o.AvgFillPrice, &reason, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.BrokerID = brokerID.String
		o.Reason = reason.String
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderState(status)
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Metrics aggregates closed-trade statistics over the whole journal.
func (j *SQLiteJournal) Metrics() (Metrics, error) {
	m := Metrics{DailyPnL: make(map[string]float64)}

	rows, err := j.db.Query(`
		SELECT realized_pnl, trade_day
		FROM executions WHERE realized_pnl != 0
		ORDER BY executed_at`)
	if err != nil {
		return m, fmt.Errorf("metrics query: %w", err)
	}
	defer rows.Close()

	var winSum, lossSum float64
	for rows.Next() {
		var pnl float64
		var day string
		if err := rows.Scan(&pnl, &day); err != nil {
			return m, fmt.Errorf("scan metrics row: %w", err)
		}
		m.TotalTrades++
		m.TotalRealized += pnl
		m.DailyPnL[day] += pnl
		if pnl > 0 {
			m.WinningTrades++
			winSum += pnl
		} else {
			m.LosingTrades++
			lossSum += pnl
		}
	}
	if err := rows.Err(); err != nil {
		return m, err
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = winSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = lossSum / float64(m.LosingTrades)
	}
	return m, nil
}

// DailyRealizedPnL sums realized P&L for the trading day containing t.
// Feeds the risk gate's daily-loss check.
func (j *SQLiteJournal) DailyRealizedPnL(t time.Time) (float64, error) {
	day := j.dayKey(t)
	var total sql.NullFloat64
	err := j.db.QueryRow(`
		SELECT SUM(realized_pnl) FROM executions
		WHERE trade_day = ?`, day).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily pnl for %s: %w", day, err)
	}
	return total.Float64, nil
}

// dayKey names the trading day containing t by its start date.
func (j *SQLiteJournal) dayKey(t time.Time) string {
	return j.day.Bucket(t).Format("2006-01-02")
}
