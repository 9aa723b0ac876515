package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"jib/internal/domain"
)

// AlpacaConfig configures the Alpaca-backed session.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	// BaseURL selects the trading environment
	// (https://paper-api.alpaca.markets or https://api.alpaca.markets).
	BaseURL string
	// Feed is the market-data feed ("iex" or "sip").
	Feed string
	// HeartbeatInterval between liveness probes against the clock endpoint.
	// Zero means 5s.
	HeartbeatInterval time.Duration
}

// Alpaca adapts the Alpaca trading API to the Session interface: REST for
// orders and account state, the trade-updates stream for order lifecycle
// events, and the stocks stream for market data. Liveness is probed by
// polling the clock endpoint; a failed probe is reported as a lost
// connection.
type Alpaca struct {
	log *slog.Logger
	cfg AlpacaConfig

	client *alpaca.Client

	events     chan domain.MarketEvent
	heartbeats chan time.Time
	connLost   chan error

	mu     sync.Mutex
	md     *stream.StocksClient
	cancel context.CancelFunc
}

// Compile-time interface check.
var _ Session = (*Alpaca)(nil)

// NewAlpaca creates a disconnected Alpaca session.
func NewAlpaca(log *slog.Logger, cfg AlpacaConfig) *Alpaca {
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Alpaca{
		log: log.With("component", "broker", "driver", "alpaca"),
		cfg: cfg,
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		events:     make(chan domain.MarketEvent, 256),
		heartbeats: make(chan time.Time, 16),
		connLost:   make(chan error, 4),
	}
}

// Name returns "alpaca".
func (a *Alpaca) Name() string { return "alpaca" }

// Connect verifies credentials, connects the market-data stream, and starts
// the trade-updates and heartbeat loops.
func (a *Alpaca) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	if _, err := a.client.GetAccount(); err != nil {
		return fmt.Errorf("alpaca handshake: %w", err)
	}

	md := stream.NewStocksClient(a.cfg.Feed,
		stream.WithCredentials(a.cfg.APIKey, a.cfg.APISecret),
	)
	if err := md.Connect(ctx); err != nil {
		return fmt.Errorf("alpaca market data stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.md = md
	a.cancel = cancel

	go a.tradeUpdateLoop(runCtx)
	go a.heartbeatLoop(runCtx)
	a.log.Info("alpaca session up", "base_url", a.cfg.BaseURL, "feed", a.cfg.Feed)
	return nil
}

// Disconnect stops the streams and probes.
func (a *Alpaca) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	a.cancel = nil
	a.md = nil
	return nil
}

func (a *Alpaca) connectedMD() *stream.StocksClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return nil
	}
	return a.md
}

// tradeUpdateLoop streams order lifecycle events. StreamTradeUpdates blocks
// until the context is cancelled or the stream breaks; a break is reported
// as a connection loss.
func (a *Alpaca) tradeUpdateLoop(ctx context.Context) {
	err := a.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		a.handleTradeUpdate(tu)
	}, alpaca.StreamTradeUpdatesRequest{})
	if err != nil && ctx.Err() == nil {
		select {
		case a.connLost <- fmt.Errorf("trade update stream: %w", err):
		default:
		}
	}
}

func (a *Alpaca) handleTradeUpdate(tu alpaca.TradeUpdate) {
	now := time.Now()
	status, ok := mapOrderEvent(tu.Event)
	if !ok {
		return
	}

	if tu.Event == "fill" || tu.Event == "partial_fill" {
		exec := domain.Execution{
			BrokerID:      tu.Order.ID,
			CorrelationID: tu.Order.ClientOrderID,
			ExecID:        tu.ExecutionID,
			Symbol:        tu.Order.Symbol,
			Side:          mapSide(tu.Order.Side),
			At:            now,
		}
		if tu.Qty != nil {
			exec.Qty = tu.Qty.InexactFloat64()
		}
		if tu.Price != nil {
			exec.Price = tu.Price.InexactFloat64()
		}
		a.events <- exec
	}

	ev := domain.OrderStatusEvent{
		BrokerID:      tu.Order.ID,
		CorrelationID: tu.Order.ClientOrderID,
		Status:        status,
		FilledQty:     tu.Order.FilledQty.InexactFloat64(),
		At:            now,
	}
	if tu.Order.FilledAvgPrice != nil {
		ev.AvgFillPrice = tu.Order.FilledAvgPrice.InexactFloat64()
	}
	if status == domain.OrderRejected {
		ev.Reason = "rejected by broker"
	}
	a.events <- ev
}

// heartbeatLoop polls the clock endpoint as a liveness probe.
func (a *Alpaca) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.client.GetClock(); err != nil {
				a.log.Warn("liveness probe failed", "err", err)
				continue
			}
			select {
			case a.heartbeats <- time.Now():
			default:
			}
		}
	}
}

// SubscribeMarketData subscribes to trades and quotes for symbol on the
// stocks stream.
func (a *Alpaca) SubscribeMarketData(ctx context.Context, symbol string) error {
	md := a.connectedMD()
	if md == nil {
		return ErrNotConnected
	}
	if err := md.SubscribeToTrades(func(t stream.Trade) {
		a.events <- domain.Tick{
			Symbol: t.Symbol, Field: domain.TickLast, Value: t.Price, At: t.Timestamp,
		}
	}, symbol); err != nil {
		return fmt.Errorf("subscribe trades %s: %w", symbol, err)
	}
	if err := md.SubscribeToQuotes(func(q stream.Quote) {
		a.events <- domain.Tick{
			Symbol: q.Symbol, Field: domain.TickBid, Value: q.BidPrice, At: q.Timestamp,
		}
		a.events <- domain.Tick{
			Symbol: q.Symbol, Field: domain.TickAsk, Value: q.AskPrice, At: q.Timestamp,
		}
	}, symbol); err != nil {
		return fmt.Errorf("subscribe quotes %s: %w", symbol, err)
	}
	return nil
}

// PlaceOrder submits the order with the correlation id as the client order
// id, so lifecycle events can be matched before the broker id is known.
func (a *Alpaca) PlaceOrder(ctx context.Context, order domain.Order) error {
	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.OrderType(order.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.CorrelationID,
	}
	if order.Type == domain.OrderTypeLimit {
		lp := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &lp
	}
	if order.Type == domain.OrderTypeStop {
		sp := decimal.NewFromFloat(order.StopPrice)
		req.StopPrice = &sp
	}
	if _, err := a.client.PlaceOrder(req); err != nil {
		return fmt.Errorf("place order %s: %w", order.CorrelationID, err)
	}
	return nil
}

// CancelOrder cancels by broker-assigned order id.
func (a *Alpaca) CancelOrder(ctx context.Context, brokerID string) error {
	if err := a.client.CancelOrder(brokerID); err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerID, err)
	}
	return nil
}

// OpenOrders returns the broker's open orders for reconciliation.
func (a *Alpaca) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	orders, err := a.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, mapOrder(o))
	}
	return out, nil
}

// AccountSummary converts the account snapshot into replayable updates.
func (a *Alpaca) AccountSummary(ctx context.Context) ([]domain.AccountUpdate, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}
	now := time.Now()
	currency := acct.Currency
	if currency == "" {
		currency = "USD"
	}
	return []domain.AccountUpdate{
		{Key: domain.AccountCash, Value: acct.Cash.InexactFloat64(), Currency: currency, At: now},
		{Key: domain.AccountBuyingPower, Value: acct.BuyingPower.InexactFloat64(), Currency: currency, At: now},
		{Key: domain.AccountMarginUsed, Value: acct.InitialMargin.InexactFloat64(), Currency: currency, At: now},
	}, nil
}

func (a *Alpaca) Events() <-chan domain.MarketEvent { return a.events }
func (a *Alpaca) Heartbeats() <-chan time.Time      { return a.heartbeats }
func (a *Alpaca) ConnLost() <-chan error            { return a.connLost }

func mapOrderEvent(event string) (domain.OrderState, bool) {
	switch event {
	case "new", "accepted":
		return domain.OrderAcknowledged, true
	case "pending_new":
		return domain.OrderSubmitted, true
	case "partial_fill":
		return domain.OrderPartiallyFilled, true
	case "fill":
		return domain.OrderFilled, true
	case "canceled", "expired", "done_for_day":
		return domain.OrderCancelled, true
	case "rejected":
		return domain.OrderRejected, true
	default:
		return "", false
	}
}

func mapOrderStatus(status string) domain.OrderState {
	switch status {
	case "new", "accepted":
		return domain.OrderAcknowledged
	case "pending_new":
		return domain.OrderSubmitted
	case "partially_filled":
		return domain.OrderPartiallyFilled
	case "filled":
		return domain.OrderFilled
	case "canceled", "expired":
		return domain.OrderCancelled
	case "rejected":
		return domain.OrderRejected
	default:
		return domain.OrderAcknowledged
	}
}

func mapSide(side alpaca.Side) domain.OrderSide {
	if side == alpaca.Sell {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func mapOrder(o alpaca.Order) domain.Order {
	out := domain.Order{
		CorrelationID: o.ClientOrderID,
		BrokerID:      o.ID,
		Symbol:        o.Symbol,
		Side:          mapSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        mapOrderStatus(o.Status),
		FilledQty:     o.FilledQty.InexactFloat64(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		out.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}
