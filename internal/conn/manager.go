package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jib/internal/broker"
	"jib/internal/domain"
	"jib/internal/util"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDegraded means the session is up but heartbeats have been missing
	// longer than the grace period. Market data is flagged stale; orders are
	// still accepted.
	StateDegraded State = "degraded"
	// StateReconnecting means the session is considered dead and the manager
	// is cycling through backoff attempts.
	StateReconnecting State = "reconnecting"
)

var (
	// ErrNotConnected is returned by PlaceOrder/CancelOrder while no usable
	// session exists.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrFatalConnectivity is returned by Run after the reconnect budget is
	// exhausted. The process should surface it and stop.
	ErrFatalConnectivity = errors.New("conn: fatal connectivity failure")
)

// Config tunes the connection manager.
type Config struct {
	// ConnectTimeout bounds one handshake attempt. Zero means 10s.
	ConnectTimeout time.Duration
	// HeartbeatGrace is how long heartbeats may be absent before the
	// connection is marked Degraded. Zero means 5s.
	HeartbeatGrace time.Duration
	// HeartbeatTimeout is the hard limit: past it the session is torn down
	// and reconnection starts. Zero means 15s.
	HeartbeatTimeout time.Duration
	// MaxAttempts is the consecutive reconnect budget before giving up.
	// Zero means 10.
	MaxAttempts int
	// Backoff shapes the delay between attempts.
	Backoff Backoff
}

func (c *Config) fillDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Publisher is the bus-facing side of the manager: session events are
// stamped and dispatched through it.
type Publisher interface {
	Publish(domain.MarketEvent) (uint64, error)
}

// Status is a point-in-time view of connection health for diagnostics.
type Status struct {
	State          State
	Attempts       int
	ConnectedSince time.Time
	LastHeartbeat  time.Time
}

// Manager drives one broker Session through the connection state machine:
//
//	Disconnected → Connecting → Connected ⇄ Degraded
//	                   ↑                       │ (hard timeout / conn lost)
//	                   └──── Reconnecting ←────┘
//
// On every entry into Connected it replays market-data subscriptions,
// re-requests the broker's open orders and account summary, and hands the
// open orders to the resync hook so local order state can be reconciled.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	session broker.Session
	bus     Publisher

	// OnConnLoss fires when an established session is declared dead, before
	// reconnection starts. The order controller parks working orders in
	// pending-reconfirm here. Set before Run.
	OnConnLoss func()
	// OnResync fires after every successful (re)connect with the broker's
	// authoritative open-order snapshot. Set before Run.
	OnResync func(open []domain.Order)
	// OnHeartbeat observes the delivery latency of each heartbeat. Set
	// before Run.
	OnHeartbeat func(latency time.Duration)

	mu             sync.Mutex
	state          State
	attempts       int
	connectedSince time.Time
	lastHeartbeat  time.Time
	subscriptions  map[string]struct{}
	listeners      []func(old, new State)
}

// NewManager creates a manager in the Disconnected state.
func NewManager(log *slog.Logger, cfg Config, session broker.Session, bus Publisher) *Manager {
	cfg.fillDefaults()
	return &Manager{
		log:           log.With("component", "conn"),
		cfg:           cfg,
		session:       session,
		bus:           bus,
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
	}
}

// AddStateListener registers a callback invoked on every state transition.
// Listeners run synchronously on the manager goroutine; keep them cheap.
func (m *Manager) AddStateListener(fn func(old, new State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns connection health for diagnostics.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		Attempts:       m.attempts,
		ConnectedSince: m.connectedSince,
		LastHeartbeat:  m.lastHeartbeat,
	}
}

// Attempts returns the consecutive failed-connect count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	if next == StateConnected {
		m.connectedSince = time.Now()
	}
	listeners := make([]func(old, new State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Info("connection state change", "from", prev, "to", next)
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// usable reports whether outbound broker calls are currently allowed.
// Degraded still has a live session underneath.
func (m *Manager) usable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected || m.state == StateDegraded
}

// Subscribe starts (and remembers) a market-data subscription. Remembered
// subscriptions are replayed on every reconnect.
func (m *Manager) Subscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	m.subscriptions[symbol] = struct{}{}
	live := m.state == StateConnected || m.state == StateDegraded
	m.mu.Unlock()
	if !live {
		return nil
	}
	return m.session.SubscribeMarketData(ctx, symbol)
}

// PlaceOrder forwards a submit to the broker session, rejecting it locally
// while no usable connection exists.
func (m *Manager) PlaceOrder(ctx context.Context, order domain.Order) error {
	if !m.usable() {
		return ErrNotConnected
	}
	return m.session.PlaceOrder(ctx, order)
}

// CancelOrder forwards a cancel to the broker session, rejecting it locally
// while no usable connection exists.
func (m *Manager) CancelOrder(ctx context.Context, brokerID string) error {
	if !m.usable() {
		return ErrNotConnected
	}
	return m.session.CancelOrder(ctx, brokerID)
}

// Run drives the state machine until ctx is cancelled or the reconnect
// budget is exhausted, in which case it returns ErrFatalConnectivity.
//
// Every attempt enters Connecting; failed attempts fall back to
// Reconnecting and the next attempt waits out the backoff delay first,
// including the first retry after a dropped session.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if attempts := m.Attempts(); attempts > 0 {
			delay := m.cfg.Backoff.Next()
			m.log.Warn("backing off before reconnect",
				"attempt", attempts, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
		m.setState(StateConnecting)

		if err := m.connectOnce(ctx); err != nil {
			m.mu.Lock()
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()

			if attempts >= m.cfg.MaxAttempts {
				m.log.Error("reconnect budget exhausted",
					"attempts", attempts, "err", err)
				return fmt.Errorf("%w after %d attempts: %v",
					ErrFatalConnectivity, attempts, err)
			}

			m.log.Warn("connect failed", "attempt", attempts, "err", err)
			m.setState(StateReconnecting)
			continue
		}

		m.mu.Lock()
		m.attempts = 0
		m.cfg.Backoff.Reset()
		m.lastHeartbeat = time.Now()
		m.mu.Unlock()
		m.setState(StateConnected)

		if err := m.resync(ctx); err != nil {
			m.log.Warn("post-connect resync incomplete", "err", err)
		}

		// Blocks until the session dies or ctx is cancelled.
		if done := m.pump(ctx); done {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = m.session.Disconnect(disconnectCtx)
			cancel()
			return nil
		}

		if m.OnConnLoss != nil {
			m.OnConnLoss()
		}
		m.mu.Lock()
		m.attempts = 1
		m.mu.Unlock()
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	return m.session.Connect(connectCtx)
}

// Snapshot requests during resync are retried; a transient broker error
// right after reconnecting should not leave the book unreconciled.
const (
	resyncAttempts   = 3
	resyncRetryDelay = 200 * time.Millisecond
)

// resync replays subscriptions and re-requests broker-authoritative state
// after every (re)connect.
func (m *Manager) resync(ctx context.Context) error {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.subscriptions))
	for sym := range m.subscriptions {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()

	var firstErr error
	for _, sym := range symbols {
		if err := m.session.SubscribeMarketData(ctx, sym); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resubscribe %s: %w", sym, err)
		}
	}

	var open []domain.Order
	err := util.Retry(ctx, resyncAttempts, resyncRetryDelay, func() error {
		var err error
		open, err = m.session.OpenOrders(ctx)
		return err
	})
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("open orders: %w", err)
		}
	} else if m.OnResync != nil {
		m.OnResync(open)
	}

	var updates []domain.AccountUpdate
	err = util.Retry(ctx, resyncAttempts, resyncRetryDelay, func() error {
		var err error
		updates, err = m.session.AccountSummary(ctx)
		return err
	})
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("account summary: %w", err)
		}
	} else {
		for _, u := range updates {
			if _, err := m.bus.Publish(u); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pump forwards session traffic to the bus and watches heartbeats. Returns
// true when ctx ended, false when the session died and a reconnect is due.
func (m *Manager) pump(ctx context.Context) bool {
	check := m.cfg.HeartbeatGrace / 2
	if check <= 0 || check > time.Second {
		check = time.Second
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true

		case ev := <-m.session.Events():
			if ev == nil {
				continue
			}
			if _, err := m.bus.Publish(ev); err != nil {
				m.log.Error("publish failed", "topic", ev.Topic(), "err", err)
			}

		case hb := <-m.session.Heartbeats():
			latency := time.Since(hb)
			m.mu.Lock()
			m.lastHeartbeat = time.Now()
			m.mu.Unlock()
			if m.OnHeartbeat != nil {
				m.OnHeartbeat(latency)
			}
			if m.State() == StateDegraded {
				m.log.Info("heartbeat recovered")
				m.setState(StateConnected)
			}

		case err := <-m.session.ConnLost():
			m.log.Warn("session reported connection loss", "err", err)
			m.setState(StateReconnecting)
			return false

		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastHeartbeat)
			m.mu.Unlock()

			switch {
			case silent >= m.cfg.HeartbeatTimeout:
				m.log.Warn("heartbeat hard timeout, tearing session down",
					"silent", silent)
				disconnectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				_ = m.session.Disconnect(disconnectCtx)
				cancel()
				m.setState(StateReconnecting)
				return false
			case silent >= m.cfg.HeartbeatGrace && m.State() == StateConnected:
				m.log.Warn("heartbeat grace exceeded", "silent", silent)
				m.setState(StateDegraded)
			}
		}
	}
}
