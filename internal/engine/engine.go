// Package engine owns the local order book: pre-trade risk gating,
// submission through the connection gateway, folding broker lifecycle
// events into per-order state machines, and reconciliation against the
// broker's authoritative view after a reconnect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jib/internal/domain"
	"jib/internal/util"
)

var (
	// ErrRiskRejected means the risk gate refused the order; nothing was
	// sent to the broker.
	ErrRiskRejected = errors.New("engine: rejected by risk gate")
	// ErrInvalidIntent means the order specification itself is malformed.
	ErrInvalidIntent = errors.New("engine: invalid order intent")
	// ErrUnknownOrder means no order with that correlation id is tracked.
	ErrUnknownOrder = errors.New("engine: unknown order")
	// ErrNotAcknowledged means a cancel was requested before the broker
	// assigned an order id, so there is nothing addressable to cancel yet.
	ErrNotAcknowledged = errors.New("engine: order not yet acknowledged")
)

// Gateway is the outbound half of the connection manager: order traffic
// toward the broker, rejected locally while the connection is down.
type Gateway interface {
	PlaceOrder(ctx context.Context, order domain.Order) error
	CancelOrder(ctx context.Context, brokerID string) error
}

// MarketView supplies the derived-state snapshot risk decisions read from.
type MarketView interface {
	Snapshot() domain.MarketSnapshot
}

// Journal persists completed order activity. Optional; nil disables it.
type Journal interface {
	RecordOrder(order domain.Order) error
	RecordExecution(exec domain.Execution) error
}

// Config tunes the controller.
type Config struct {
	Limits domain.RiskLimits
	// OrderRatePerMinute throttles broker submissions. Zero disables the
	// limiter.
	OrderRatePerMinute int
}

// Controller tracks every order by its client-generated correlation id and
// drives each through the lifecycle state machine. Broker ids are bound
// once, on the first acknowledgment that carries one; later conflicting
// bindings are ignored.
type Controller struct {
	log     *slog.Logger
	cfg     Config
	gateway Gateway
	market  MarketView
	limiter *util.RateLimiter

	// Journal, when set, receives terminal orders and executions.
	// Set before use.
	Journal Journal
	// ConnState annotates composed snapshots with connection health.
	// Set before use.
	ConnState func() string
	// DailyPnL overrides the daily realized P&L fed to the risk gate. When
	// nil, realized P&L is summed from the market snapshot.
	DailyPnL func() float64

	mu        sync.Mutex
	orders    map[string]*domain.Order // by correlation id
	byBroker  map[string]string        // broker id -> correlation id
	seenExecs map[string]struct{}
}

// NewController creates a controller with an empty order book.
func NewController(log *slog.Logger, cfg Config, gateway Gateway, market MarketView) *Controller {
	c := &Controller{
		log:       log.With("component", "engine"),
		cfg:       cfg,
		gateway:   gateway,
		market:    market,
		orders:    make(map[string]*domain.Order),
		byBroker:  make(map[string]string),
		seenExecs: make(map[string]struct{}),
	}
	if cfg.OrderRatePerMinute > 0 {
		c.limiter = util.NewRateLimiter(cfg.OrderRatePerMinute)
	}
	return c
}

// PlaceOrder validates the intent, runs the risk gate, and submits through
// the gateway. The returned order carries the assigned correlation id; its
// lifecycle continues asynchronously as broker events arrive.
//
// A risk rejection is recorded as a terminal Rejected order and returned
// with ErrRiskRejected; the broker is never contacted.
func (c *Controller) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	if err := validateIntent(intent); err != nil {
		return domain.Order{}, err
	}

	snap := c.market.Snapshot()
	decision := EvaluateRisk(intent, snap, c.cfg.Limits, c.dailyPnL(snap))
	now := time.Now()

	order := domain.Order{
		CorrelationID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if !decision.Allowed {
		order.Status = domain.OrderRejected
		order.Reason = string(decision.Reason)
		c.track(order)
		c.journalOrder(order)
		c.log.Warn("order rejected by risk gate",
			"correlation_id", order.CorrelationID,
			"symbol", order.Symbol,
			"reason", decision.Reason,
			"detail", decision.Detail,
		)
		return order, fmt.Errorf("%w: %s", ErrRiskRejected, decision.Reason)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Order{}, fmt.Errorf("order rate limit: %w", err)
		}
	}

	order.Status = domain.OrderSubmitted
	c.track(order)

	if err := c.gateway.PlaceOrder(ctx, order); err != nil {
		c.mu.Lock()
		if o := c.orders[order.CorrelationID]; o != nil {
			o.Status = domain.OrderRejected
			o.Reason = err.Error()
			o.UpdatedAt = time.Now()
			order = *o
		}
		c.mu.Unlock()
		c.journalOrder(order)
		return order, fmt.Errorf("submit %s: %w", order.CorrelationID, err)
	}

	c.log.Info("order submitted",
		"correlation_id", order.CorrelationID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Qty,
	)
	return order, nil
}

// CancelOrder requests cancellation by correlation id. Cancelling an order
// already in a terminal state is a no-op; cancelling one the broker has not
// acknowledged yet returns ErrNotAcknowledged.
func (c *Controller) CancelOrder(ctx context.Context, correlationID string) error {
	c.mu.Lock()
	o, ok := c.orders[correlationID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownOrder
	}
	if o.Status.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	brokerID := o.BrokerID
	c.mu.Unlock()

	if brokerID == "" {
		return ErrNotAcknowledged
	}
	if err := c.gateway.CancelOrder(ctx, brokerID); err != nil {
		return fmt.Errorf("cancel %s: %w", correlationID, err)
	}
	return nil
}

// HandleOrderEvent folds one broker status report into the order book.
// Registered on the orders topic; the bus guarantees serial delivery.
func (c *Controller) HandleOrderEvent(env domain.Envelope) error {
	ev, ok := env.Event.(domain.OrderStatusEvent)
	if !ok {
		return nil
	}

	c.mu.Lock()
	o := c.lookupLocked(ev.CorrelationID, ev.BrokerID)
	if o == nil {
		c.mu.Unlock()
		c.log.Debug("status for untracked order",
			"correlation_id", ev.CorrelationID, "broker_id", ev.BrokerID)
		return nil
	}

	if ev.BrokerID != "" {
		if o.BrokerID == "" {
			// First acknowledgment wins the binding.
			o.BrokerID = ev.BrokerID
			c.byBroker[ev.BrokerID] = o.CorrelationID
		} else if o.BrokerID != ev.BrokerID {
			c.mu.Unlock()
			c.log.Warn("conflicting broker id ignored",
				"correlation_id", o.CorrelationID,
				"bound", o.BrokerID, "reported", ev.BrokerID)
			return nil
		}
	}

	if ev.Status != o.Status {
		if !o.Status.CanTransition(ev.Status) {
			c.mu.Unlock()
			c.log.Debug("stale order status ignored",
				"correlation_id", o.CorrelationID,
				"from", o.Status, "to", ev.Status)
			return nil
		}
		o.Status = ev.Status
	}
	if ev.FilledQty > o.FilledQty {
		o.FilledQty = ev.FilledQty
	}
	if ev.AvgFillPrice > 0 {
		o.AvgFillPrice = ev.AvgFillPrice
	}
	if ev.Reason != "" {
		o.Reason = ev.Reason
	}
	o.UpdatedAt = ev.At
	done := o.Status.IsTerminal()
	snapshot := *o
	c.mu.Unlock()

	if done {
		c.journalOrder(snapshot)
		c.log.Info("order reached terminal state",
			"correlation_id", snapshot.CorrelationID,
			"status", snapshot.Status,
			"filled_qty", snapshot.FilledQty,
		)
	}
	return nil
}

// HandleExecution journals each fill exactly once, keyed by the
// broker-assigned execution id.
func (c *Controller) HandleExecution(env domain.Envelope) error {
	exec, ok := env.Event.(domain.Execution)
	if !ok {
		return nil
	}

	c.mu.Lock()
	if _, dup := c.seenExecs[exec.ExecID]; dup {
		c.mu.Unlock()
		return nil
	}
	c.seenExecs[exec.ExecID] = struct{}{}
	c.mu.Unlock()

	c.journalExecution(exec)
	return nil
}

// MarkPendingReconfirm parks every in-flight order while the connection is
// down: their true state is unknown until the broker is reconsulted.
func (c *Controller) MarkPendingReconfirm() {
	now := time.Now()
	c.mu.Lock()
	parked := 0
	for _, o := range c.orders {
		if o.Status.IsTerminal() || o.Status == domain.OrderPendingReconfirm {
			continue
		}
		o.Status = domain.OrderPendingReconfirm
		o.UpdatedAt = now
		parked++
	}
	c.mu.Unlock()
	if parked > 0 {
		c.log.Warn("orders parked pending reconfirmation", "count", parked)
	}
}

// Reconcile adopts the broker's open-order snapshot after a reconnect. The
// broker is authoritative: tracked orders present in the snapshot take its
// status, and open orders the controller has never seen are adopted into
// the book. Parked orders absent from the snapshot stay in
// pending-reconfirm until a lifecycle event resolves them.
func (c *Controller) Reconcile(open []domain.Order) {
	now := time.Now()
	c.mu.Lock()
	adopted, updated := 0, 0
	for _, bo := range open {
		o := c.lookupLocked(bo.CorrelationID, bo.BrokerID)
		if o == nil {
			adoptedOrder := bo
			if adoptedOrder.CorrelationID == "" {
				adoptedOrder.CorrelationID = bo.BrokerID
			}
			adoptedOrder.UpdatedAt = now
			c.orders[adoptedOrder.CorrelationID] = &adoptedOrder
			if bo.BrokerID != "" {
				c.byBroker[bo.BrokerID] = adoptedOrder.CorrelationID
			}
			adopted++
			continue
		}
		if o.BrokerID == "" && bo.BrokerID != "" {
			o.BrokerID = bo.BrokerID
			c.byBroker[bo.BrokerID] = o.CorrelationID
		}
		if o.Status != bo.Status && o.Status.CanTransition(bo.Status) {
			o.Status = bo.Status
			updated++
		}
		if bo.FilledQty > o.FilledQty {
			o.FilledQty = bo.FilledQty
		}
		if bo.AvgFillPrice > 0 {
			o.AvgFillPrice = bo.AvgFillPrice
		}
		o.UpdatedAt = now
	}
	c.mu.Unlock()
	c.log.Info("order book reconciled", "open", len(open),
		"adopted", adopted, "updated", updated)
}

// Orders returns a copy of the order book, oldest first.
func (c *Controller) Orders() []domain.Order {
	c.mu.Lock()
	out := make([]domain.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, *o)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Order returns one tracked order by correlation id.
func (c *Controller) Order(correlationID string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[correlationID]; ok {
		return *o, true
	}
	return domain.Order{}, false
}

// StateSnapshot composes the market snapshot, order book, and connection
// state into the read-only view served to the presentation layer.
func (c *Controller) StateSnapshot() domain.StateSnapshot {
	snap := domain.StateSnapshot{
		MarketSnapshot: c.market.Snapshot(),
		Orders:         c.Orders(),
	}
	if c.ConnState != nil {
		snap.ConnState = c.ConnState()
	}
	return snap
}

func (c *Controller) lookupLocked(correlationID, brokerID string) *domain.Order {
	if correlationID != "" {
		if o, ok := c.orders[correlationID]; ok {
			return o
		}
	}
	if brokerID != "" {
		if corr, ok := c.byBroker[brokerID]; ok {
			return c.orders[corr]
		}
	}
	return nil
}

func (c *Controller) track(order domain.Order) {
	c.mu.Lock()
	o := order
	c.orders[o.CorrelationID] = &o
	c.mu.Unlock()
}

func (c *Controller) dailyPnL(snap domain.MarketSnapshot) float64 {
	if c.DailyPnL != nil {
		return c.DailyPnL()
	}
	var total float64
	for _, pos := range snap.Positions {
		total += pos.RealizedPnL
	}
	return total
}

func (c *Controller) journalOrder(order domain.Order) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.RecordOrder(order); err != nil {
		c.log.Error("journal order failed",
			"correlation_id", order.CorrelationID, "err", err)
	}
}

func (c *Controller) journalExecution(exec domain.Execution) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.RecordExecution(exec); err != nil {
		c.log.Error("journal execution failed", "exec_id", exec.ExecID, "err", err)
	}
}

func validateIntent(intent domain.OrderIntent) error {
	switch {
	case intent.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidIntent)
	case intent.Qty <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	case intent.Side != domain.OrderSideBuy && intent.Side != domain.OrderSideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, intent.Side)
	case intent.Type == domain.OrderTypeLimit && intent.LimitPrice <= 0:
		return fmt.Errorf("%w: limit order requires a limit price", ErrInvalidIntent)
	case intent.Type == domain.OrderTypeStop && intent.StopPrice <= 0:
		return fmt.Errorf("%w: stop order requires a stop price", ErrInvalidIntent)
	}
	return nil
}
