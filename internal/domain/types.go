// Package domain defines the core types shared across the jib trading core:
// the MarketEvent union, orders and their lifecycle, derived positions and
// account state, and the risk-limit configuration.
package domain

import "time"

// TradingMode distinguishes paper from live trading.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderState is the lifecycle state of an order as tracked locally.
//
// Intent → Submitted → Acknowledged → {PartiallyFilled ⇄, Filled, Cancelled,
// Rejected}. PendingReconfirm is reachable from any non-terminal state when
// the connection drops; it resolves to whatever the broker reports after
// reconciliation.
type OrderState string

const (
	OrderStateIntent      OrderState = "intent"
	OrderSubmitted        OrderState = "submitted"
	OrderAcknowledged     OrderState = "acknowledged"
	OrderPartiallyFilled  OrderState = "partially_filled"
	OrderFilled           OrderState = "filled"
	OrderCancelled        OrderState = "cancelled"
	OrderRejected         OrderState = "rejected"
	OrderPendingReconfirm OrderState = "pending_reconfirm"
)

// IsTerminal reports whether the state can never be exited.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Terminal states are sticky, Acknowledged is never skipped on the
// happy path, and PendingReconfirm may resolve to any state the broker
// reports.
func (s OrderState) CanTransition(next OrderState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == OrderPendingReconfirm {
		// Any non-terminal order may be parked during a reconnect.
		return true
	}
	switch s {
	case OrderStateIntent:
		return next == OrderSubmitted || next == OrderRejected || next == OrderCancelled
	case OrderSubmitted:
		return next == OrderAcknowledged || next == OrderRejected || next == OrderCancelled
	case OrderAcknowledged:
		return next == OrderPartiallyFilled || next == OrderFilled ||
			next == OrderCancelled || next == OrderRejected
	case OrderPartiallyFilled:
		return next == OrderPartiallyFilled || next == OrderFilled ||
			next == OrderCancelled || next == OrderRejected
	case OrderPendingReconfirm:
		// Broker is authoritative after a reconnect.
		return next != OrderStateIntent
	default:
		return false
	}
}

// OrderIntent is the caller-supplied specification of a new order, before a
// correlation id is assigned.
type OrderIntent struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        float64
	LimitPrice float64
	StopPrice  float64
}

// Order is the local view of one order. CorrelationID is client-generated,
// globally unique, and survives reconnects; BrokerID is bound once, on the
// first broker acknowledgment.
type Order struct {
	CorrelationID string     `json:"correlation_id"`
	BrokerID      string     `json:"broker_id,omitempty"`
	Symbol        string     `json:"symbol"`
	Side          OrderSide  `json:"side"`
	Type          OrderType  `json:"type"`
	Qty           float64    `json:"qty"`
	LimitPrice    float64    `json:"limit_price,omitempty"`
	StopPrice     float64    `json:"stop_price,omitempty"`
	Status        OrderState `json:"status"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Position is the derived holding in one instrument: signed quantity plus
// average cost, recomputed purely by folding Execution events.
type Position struct {
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"`
	AvgCost     float64 `json:"avg_cost"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// AccountBalance holds currency-scoped account values derived from
// AccountUpdate events.
type AccountBalance struct {
	Currency    string  `json:"currency"`
	Cash        float64 `json:"cash"`
	MarginUsed  float64 `json:"margin_used"`
	BuyingPower float64 `json:"buying_power"`
}

// Quote is the latest market-data snapshot for one instrument.
type Quote struct {
	Symbol     string                `json:"symbol"`
	Fields     map[TickField]float64 `json:"fields"`
	LastTickAt time.Time             `json:"last_tick_at"`
}

// RiskLimits configures the pre-trade risk gate. Zero values disable the
// corresponding check, except AllowLiveTrading which defaults to the safe
// side (live orders rejected).
type RiskLimits struct {
	MaxOrderNotional float64
	MaxPositionSize  float64
	MaxDailyLoss     float64
	AllowLiveTrading bool
}

// MarketSnapshot is an immutable point-in-time copy of all state derived by
// folding market events. Readers never observe a partially-applied fold.
type MarketSnapshot struct {
	Version   uint64                    `json:"version"`
	At        time.Time                 `json:"at"`
	Mode      TradingMode               `json:"mode"`
	Stale     bool                      `json:"stale"`
	Positions map[string]Position       `json:"positions"`
	Balances  map[string]AccountBalance `json:"balances"`
	Quotes    map[string]Quote          `json:"quotes"`
}

// LastPrice returns the most recent last-trade price for symbol, or 0 if no
// tick has been seen.
func (s MarketSnapshot) LastPrice(symbol string) float64 {
	q, ok := s.Quotes[symbol]
	if !ok {
		return 0
	}
	return q.Fields[TickLast]
}

// StateSnapshot is the composed read-only view handed to the presentation
// layer: market state plus the order book and connection health annotation.
type StateSnapshot struct {
	MarketSnapshot
	ConnState string  `json:"conn_state"`
	Orders    []Order `json:"orders"`
}
