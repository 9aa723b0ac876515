package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jib/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitEvent(t *testing.T, ch <-chan domain.MarketEvent) domain.MarketEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSimulatorOrderLifecycle(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{AutoFill: true})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))
	defer sim.Disconnect(ctx)

	sim.PushTick("AAPL", domain.TickLast, 150)
	_ = waitEvent(t, sim.Events()) // the tick itself

	err := sim.PlaceOrder(ctx, domain.Order{
		CorrelationID: "c-1", Symbol: "AAPL", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeMarket, Qty: 10, Status: domain.OrderSubmitted,
	})
	require.NoError(t, err)

	ack, ok := waitEvent(t, sim.Events()).(domain.OrderStatusEvent)
	require.True(t, ok)
	assert.Equal(t, domain.OrderAcknowledged, ack.Status)
	assert.Equal(t, "c-1", ack.CorrelationID)
	assert.NotEmpty(t, ack.BrokerID)

	exec, ok := waitEvent(t, sim.Events()).(domain.Execution)
	require.True(t, ok)
	assert.Equal(t, 10.0, exec.Qty)
	assert.Equal(t, 150.0, exec.Price, "market order fills at last tick")

	filled, ok := waitEvent(t, sim.Events()).(domain.OrderStatusEvent)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFilled, filled.Status)
	assert.Equal(t, 1, sim.SubmitCount())
}

func TestSimulatorCancel(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))
	defer sim.Disconnect(ctx)

	require.NoError(t, sim.PlaceOrder(ctx, domain.Order{CorrelationID: "c-1", Symbol: "MSFT", Qty: 5}))
	ack := waitEvent(t, sim.Events()).(domain.OrderStatusEvent)

	open, err := sim.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, sim.CancelOrder(ctx, ack.BrokerID))
	cancelled := waitEvent(t, sim.Events()).(domain.OrderStatusEvent)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)

	assert.ErrorIs(t, sim.CancelOrder(ctx, ack.BrokerID), ErrUnknownOrder)
}

func TestSimulatorConnectFailures(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{ConnectFailures: 2})
	ctx := context.Background()

	require.Error(t, sim.Connect(ctx))
	require.Error(t, sim.Connect(ctx))
	require.NoError(t, sim.Connect(ctx))
	defer sim.Disconnect(ctx)
}

func TestSimulatorDisconnectedOperationsFail(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, sim.PlaceOrder(ctx, domain.Order{}), ErrNotConnected)
	assert.ErrorIs(t, sim.SubscribeMarketData(ctx, "AAPL"), ErrNotConnected)
	_, err := sim.OpenOrders(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSimulatorDropReportsConnLost(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))

	boom := errors.New("socket reset")
	sim.DropConnection(boom)

	select {
	case err := <-sim.ConnLost():
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.ErrorIs(t, sim.PlaceOrder(ctx, domain.Order{}), ErrNotConnected)
}

func TestSimulatorHeartbeats(t *testing.T) {
	sim := NewSimulator(testLogger(), SimulatorConfig{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, sim.Connect(ctx))
	defer sim.Disconnect(ctx)

	select {
	case <-sim.Heartbeats():
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}

	sim.SuspendHeartbeats(true)
	// Drain whatever was buffered, then expect silence.
	for {
		select {
		case <-sim.Heartbeats():
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	select {
	case <-sim.Heartbeats():
		t.Fatal("heartbeat while suspended")
	case <-time.After(50 * time.Millisecond):
	}
}
