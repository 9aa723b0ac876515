package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jib/internal/broker"
	"jib/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// nullBus satisfies Publisher without a real dispatch pipeline.
type nullBus struct {
	mu     sync.Mutex
	seq    uint64
	events []domain.MarketEvent
}

func (b *nullBus) Publish(ev domain.MarketEvent) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.events = append(b.events, ev)
	return b.seq, nil
}

func (b *nullBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func fastConfig() Config {
	return Config{
		ConnectTimeout:   time.Second,
		HeartbeatGrace:   40 * time.Millisecond,
		HeartbeatTimeout: 5 * time.Second,
		MaxAttempts:      10,
		Backoff:          Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
}

func startManager(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("manager did not stop")
		}
	}
}

func TestManagerConnectsAndResyncs(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	bus := &nullBus{}
	m := NewManager(testLogger(), fastConfig(), sim, bus)

	var resyncs atomic.Int32
	m.OnResync = func([]domain.Order) { resyncs.Add(1) }

	require.NoError(t, m.Subscribe(context.Background(), "AAPL"))

	stop := startManager(t, m)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"never reached Connected")
	waitFor(t, 2*time.Second, func() bool { return resyncs.Load() == 1 },
		"resync hook not invoked")
	assert.Equal(t, 1, sim.SubscribeCount("AAPL"), "queued subscription replayed on connect")
	// Account summary flows onto the bus.
	waitFor(t, 2*time.Second, func() bool { return bus.count() >= 3 },
		"account updates not published")
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	m := NewManager(testLogger(), fastConfig(), sim, &nullBus{})

	var losses atomic.Int32
	m.OnConnLoss = func() { losses.Add(1) }

	var transitions []State
	var mu sync.Mutex
	m.AddStateListener(func(_, next State) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})

	require.NoError(t, m.Subscribe(context.Background(), "MSFT"))
	stop := startManager(t, m)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"never connected")

	sim.DropConnection(errors.New("socket reset"))

	waitFor(t, 2*time.Second, func() bool {
		return losses.Load() == 1 && m.State() == StateConnected
	}, "did not recover after drop")

	assert.Equal(t, 2, sim.SubscribeCount("MSFT"), "subscription replayed on reconnect")
	assert.Equal(t, 0, m.Attempts(), "attempt counter reset after success")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, StateReconnecting)

	// The retry passes back through Connecting after the backoff delay
	// rather than jumping from Reconnecting straight to Connected.
	reconnecting := -1
	for i, s := range transitions {
		if s == StateReconnecting {
			reconnecting = i
			break
		}
	}
	require.GreaterOrEqual(t, reconnecting, 0)
	require.Less(t, reconnecting+1, len(transitions))
	assert.Equal(t, StateConnecting, transitions[reconnecting+1])
}

// flakySession fails the first N OpenOrders calls before delegating, to
// exercise resync retries against a transient broker error.
type flakySession struct {
	broker.Session
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySession) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("transient broker error")
	}
	return f.Session.OpenOrders(ctx)
}

func (f *flakySession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestManagerResyncRetriesTransientFailures(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	session := &flakySession{Session: sim, failures: 1}
	m := NewManager(testLogger(), fastConfig(), session, &nullBus{})

	var resyncs atomic.Int32
	m.OnResync = func([]domain.Order) { resyncs.Add(1) }

	stop := startManager(t, m)
	defer stop()

	waitFor(t, 3*time.Second, func() bool { return resyncs.Load() == 1 },
		"resync did not survive a transient open-orders failure")
	assert.GreaterOrEqual(t, session.callCount(), 2, "failed call retried")
}

func TestManagerHeartbeatGraceDegrades(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	m := NewManager(testLogger(), fastConfig(), sim, &nullBus{})

	stop := startManager(t, m)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"never connected")

	sim.SuspendHeartbeats(true)
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateDegraded },
		"grace expiry did not degrade the connection")

	sim.SuspendHeartbeats(false)
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"heartbeat recovery did not restore Connected")
}

func TestManagerHardTimeoutForcesReconnect(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	cfg := fastConfig()
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	m := NewManager(testLogger(), cfg, sim, &nullBus{})

	var losses atomic.Int32
	m.OnConnLoss = func() { losses.Add(1) }

	stop := startManager(t, m)
	defer stop()

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"never connected")

	sim.SuspendHeartbeats(true)
	waitFor(t, 2*time.Second, func() bool { return losses.Load() >= 1 },
		"hard timeout did not trigger a reconnect")

	sim.SuspendHeartbeats(false)
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected },
		"did not reconnect after hard timeout")
}

func TestManagerExhaustsReconnectBudget(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{
		ConnectFailures: 100,
	})
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	m := NewManager(testLogger(), cfg, sim, &nullBus{})

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalConnectivity)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 3, m.Attempts())
}

func TestManagerRejectsOrdersWhileDown(t *testing.T) {
	sim := broker.NewSimulator(testLogger(), broker.SimulatorConfig{})
	m := NewManager(testLogger(), fastConfig(), sim, &nullBus{})

	err := m.PlaceOrder(context.Background(), domain.Order{CorrelationID: "c-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	err = m.CancelOrder(context.Background(), "SIM-1")
	assert.ErrorIs(t, err, ErrNotConnected)
}
