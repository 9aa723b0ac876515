package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jib/internal/domain"
)

// SimulatorConfig tunes the in-memory session.
type SimulatorConfig struct {
	// HeartbeatInterval between liveness probes. Zero means 100ms.
	HeartbeatInterval time.Duration
	// AutoFill makes every acknowledged order fill after FillDelay.
	AutoFill bool
	// FillDelay between acknowledgment and the simulated fill.
	FillDelay time.Duration
	// ConnectFailures makes the first N Connect calls fail, for exercising
	// reconnect backoff.
	ConnectFailures int
	// Cash seeds the simulated account. Zero means 100_000.
	Cash float64
}

// Simulator is an in-memory Session for paper trading without a gateway and
// for tests. It acknowledges orders immediately, optionally fills them after
// a delay, and exposes knobs to inject ticks, drop the connection, and
// suppress heartbeats.
type Simulator struct {
	log *slog.Logger
	cfg SimulatorConfig

	events     chan domain.MarketEvent
	heartbeats chan time.Time
	connLost   chan error

	mu            sync.Mutex
	connected     bool
	suspendHB     bool
	stopHB        chan struct{}
	nextID        int
	open          map[string]domain.Order // by broker id
	lastPrice     map[string]float64
	subscriptions map[string]int // symbol -> subscribe count, across reconnects
	connects      int
	submits       int
}

// Compile-time interface check.
var _ Session = (*Simulator)(nil)

// NewSimulator creates a disconnected simulator.
func NewSimulator(log *slog.Logger, cfg SimulatorConfig) *Simulator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 100 * time.Millisecond
	}
	if cfg.Cash == 0 {
		cfg.Cash = 100_000
	}
	return &Simulator{
		log:           log.With("component", "broker", "driver", "simulator"),
		cfg:           cfg,
		events:        make(chan domain.MarketEvent, 256),
		heartbeats:    make(chan time.Time, 16),
		connLost:      make(chan error, 4),
		open:          make(map[string]domain.Order),
		lastPrice:     make(map[string]float64),
		subscriptions: make(map[string]int),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// Connect brings the session up and starts the heartbeat loop. The first
// ConnectFailures attempts fail.
func (s *Simulator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connects <= s.cfg.ConnectFailures {
		return fmt.Errorf("simulated connect failure %d", s.connects)
	}
	if s.connected {
		return nil
	}
	s.connected = true
	s.stopHB = make(chan struct{})
	go s.heartbeatLoop(s.stopHB)
	s.log.Info("simulator session up")
	return nil
}

// Disconnect tears the session down without reporting a connection loss.
func (s *Simulator) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}

func (s *Simulator) dropLocked() {
	if !s.connected {
		return
	}
	s.connected = false
	close(s.stopHB)
	s.stopHB = nil
}

// DropConnection simulates a transport failure: the session goes down and
// the loss is reported on ConnLost.
func (s *Simulator) DropConnection(err error) {
	s.mu.Lock()
	s.dropLocked()
	s.mu.Unlock()
	select {
	case s.connLost <- err:
	default:
	}
}

// SuspendHeartbeats stops (or resumes) heartbeat emission without dropping
// the session, to exercise the grace/hard timeout path.
func (s *Simulator) SuspendHeartbeats(suspend bool) {
	s.mu.Lock()
	s.suspendHB = suspend
	s.mu.Unlock()
}

func (s *Simulator) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			suspended := s.suspendHB
			s.mu.Unlock()
			if suspended {
				continue
			}
			select {
			case s.heartbeats <- now:
			default:
			}
		}
	}
}

// SubscribeMarketData records the subscription; ticks only flow when pushed
// via PushTick.
func (s *Simulator) SubscribeMarketData(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.subscriptions[symbol]++
	return nil
}

// SubscribeCount returns how many times symbol has been subscribed,
// counting across reconnects.
func (s *Simulator) SubscribeCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[symbol]
}

// PushTick injects a market-data tick as if it came off the wire.
func (s *Simulator) PushTick(symbol string, field domain.TickField, value float64) {
	s.mu.Lock()
	if field == domain.TickLast {
		s.lastPrice[symbol] = value
	}
	s.mu.Unlock()
	s.events <- domain.Tick{Symbol: symbol, Field: field, Value: value, At: time.Now()}
}

// PlaceOrder acknowledges the order with a fresh broker id and, when
// AutoFill is set, fills it after FillDelay.
func (s *Simulator) PlaceOrder(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.submits++
	s.nextID++
	brokerID := fmt.Sprintf("SIM-%d", s.nextID)
	order.BrokerID = brokerID
	order.Status = domain.OrderAcknowledged
	s.open[brokerID] = order
	autoFill := s.cfg.AutoFill
	s.mu.Unlock()

	s.events <- domain.OrderStatusEvent{
		BrokerID:      brokerID,
		CorrelationID: order.CorrelationID,
		Status:        domain.OrderAcknowledged,
		At:            time.Now(),
	}
	if autoFill {
		go s.fillAfter(brokerID)
	}
	return nil
}

func (s *Simulator) fillAfter(brokerID string) {
	if s.cfg.FillDelay > 0 {
		time.Sleep(s.cfg.FillDelay)
	}
	s.mu.Lock()
	order, ok := s.open[brokerID]
	if !ok || !s.connected {
		s.mu.Unlock()
		return
	}
	delete(s.open, brokerID)
	price := order.LimitPrice
	if price == 0 {
		price = s.lastPrice[order.Symbol]
	}
	if price == 0 {
		price = 100
	}
	s.mu.Unlock()

	now := time.Now()
	s.events <- domain.Execution{
		BrokerID:      brokerID,
		CorrelationID: order.CorrelationID,
		ExecID:        brokerID + ".1",
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Price:         price,
		At:            now,
	}
	s.events <- domain.OrderStatusEvent{
		BrokerID:      brokerID,
		CorrelationID: order.CorrelationID,
		Status:        domain.OrderFilled,
		FilledQty:     order.Qty,
		AvgFillPrice:  price,
		At:            now,
	}
}

// CancelOrder drops an open order and reports the cancellation on Events.
func (s *Simulator) CancelOrder(ctx context.Context, brokerID string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	order, ok := s.open[brokerID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownOrder
	}
	delete(s.open, brokerID)
	s.mu.Unlock()

	s.events <- domain.OrderStatusEvent{
		BrokerID:      brokerID,
		CorrelationID: order.CorrelationID,
		Status:        domain.OrderCancelled,
		Reason:        "cancelled by client",
		At:            time.Now(),
	}
	return nil
}

// OpenOrders returns the broker-side view of orders still working.
func (s *Simulator) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]domain.Order, 0, len(s.open))
	for _, o := range s.open {
		out = append(out, o)
	}
	return out, nil
}

// AccountSummary reports the simulated account values.
func (s *Simulator) AccountSummary(ctx context.Context) ([]domain.AccountUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	now := time.Now()
	return []domain.AccountUpdate{
		{Key: domain.AccountCash, Value: s.cfg.Cash, Currency: "USD", At: now},
		{Key: domain.AccountBuyingPower, Value: s.cfg.Cash * 4, Currency: "USD", At: now},
		{Key: domain.AccountMarginUsed, Value: 0, Currency: "USD", At: now},
	}, nil
}

// SubmitCount returns how many orders reached the simulated broker.
func (s *Simulator) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Simulator) Events() <-chan domain.MarketEvent { return s.events }
func (s *Simulator) Heartbeats() <-chan time.Time      { return s.heartbeats }
func (s *Simulator) ConnLost() <-chan error            { return s.connLost }
