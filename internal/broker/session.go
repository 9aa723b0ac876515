// Package broker defines the Session capability consumed by the connection
// core — the abstract face of a brokerage gateway (TWS/IB Gateway, Alpaca,
// or the in-memory simulator) — and provides its implementations.
//
// The wire protocol, authentication, and socket framing live behind this
// interface; the core never sees them.
package broker

import (
	"context"
	"errors"
	"time"

	"jib/internal/domain"
)

var (
	// ErrNotConnected is returned by session operations that need a live
	// connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrUnknownOrder is returned when cancelling an order the broker does
	// not know.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

// Session is one logical connection to a brokerage gateway.
//
// Inbound traffic is delivered on three channels that remain valid across
// reconnects: Events carries market/order/account events, Heartbeats
// carries liveness probes stamped with their send time, and ConnLost
// reports session drops. Outbound calls return ErrNotConnected while the
// underlying transport is down.
type Session interface {
	// Name identifies the implementation ("simulator", "alpaca", ...).
	Name() string

	// Connect performs the gateway handshake. The caller bounds it with a
	// context deadline; implementations must respect cancellation.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// SubscribeMarketData starts a tick stream for symbol. Subscriptions do
	// not survive a reconnect; the connection manager replays them.
	SubscribeMarketData(ctx context.Context, symbol string) error

	// PlaceOrder submits an order. Acknowledgment, status changes, and
	// fills arrive asynchronously on Events, correlated by the order's
	// CorrelationID and later its broker-assigned id.
	PlaceOrder(ctx context.Context, order domain.Order) error

	// CancelOrder requests cancellation by broker-assigned id. The outcome
	// arrives on Events; a nil return only means the request was sent.
	CancelOrder(ctx context.Context, brokerID string) error

	// OpenOrders returns the broker's authoritative snapshot of open
	// orders, used for reconciliation after a reconnect.
	OpenOrders(ctx context.Context) ([]domain.Order, error)

	// AccountSummary returns the current account values as a batch of
	// AccountUpdate events to be replayed through the bus.
	AccountSummary(ctx context.Context) ([]domain.AccountUpdate, error)

	Events() <-chan domain.MarketEvent
	Heartbeats() <-chan time.Time
	ConnLost() <-chan error
}
