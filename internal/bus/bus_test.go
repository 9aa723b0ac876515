package bus

import (
	"errors"
	"log/slog"
	"sync"
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

func tick(symbol string, value float64) domain.Tick {
	return domain.Tick{Symbol: symbol, Field: domain.TickLast, Value: value, At: time.Now()}
}

func TestPublishAssignsPerTopicSequence(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	for i := 1; i <= 3; i++ {
		seq, err := b.Publish(tick("AAPL", float64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// A different topic gets its own counter.
	seq, err := b.Publish(domain.AccountUpdate{Key: domain.AccountCash, Value: 1, Currency: "USD", At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestDispatchPreservesTopicOrder(t *testing.T) {
	b := New(testLogger(), 8)

	var mu sync.Mutex
	var got []uint64
	b.Subscribe(domain.TopicTicks, func(env domain.Envelope) error {
		mu.Lock()
		got = append(got, env.Seq)
		mu.Unlock()
		return nil
	})

	const n = 200
	for i := 0; i < n; i++ {
		_, err := b.Publish(tick("AAPL", float64(i)))
		require.NoError(t, err)
	}
	b.Close()

	require.Len(t, got, n)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestHandlerFaultDoesNotStopDispatch(t *testing.T) {
	b := New(testLogger(), 8)

	var mu sync.Mutex
	var delivered int
	b.Subscribe(domain.TopicTicks, func(domain.Envelope) error {
		return errors.New("boom")
	})
	b.Subscribe(domain.TopicTicks, func(domain.Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		_, err := b.Publish(tick("MSFT", float64(i)))
		require.NoError(t, err)
	}
	b.Close()

	assert.Equal(t, 5, delivered, "second handler must see every event")
	assert.Equal(t, uint64(5), b.FaultCount())
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(testLogger(), 8)

	var mu sync.Mutex
	var delivered int
	b.Subscribe(domain.TopicTicks, func(domain.Envelope) error {
		panic("handler bug")
	})
	b.Subscribe(domain.TopicTicks, func(domain.Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	_, err := b.Publish(tick("TSLA", 1))
	require.NoError(t, err)
	b.Close()

	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(1), b.FaultCount())
}

func TestPublishAfterClose(t *testing.T) {
	b := New(testLogger(), 8)
	_, err := b.Publish(tick("AAPL", 1))
	require.NoError(t, err)
	b.Close()

	_, err = b.Publish(tick("AAPL", 2))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTopicsDispatchIndependently(t *testing.T) {
	b := New(testLogger(), 8)

	tickDone := make(chan struct{})
	release := make(chan struct{})

	// Tick lane blocks until released; account lane must still deliver.
	b.Subscribe(domain.TopicTicks, func(domain.Envelope) error {
		<-release
		close(tickDone)
		return nil
	})
	accountDone := make(chan struct{})
	b.Subscribe(domain.TopicAccount, func(domain.Envelope) error {
		close(accountDone)
		return nil
	})

	_, err := b.Publish(tick("AAPL", 1))
	require.NoError(t, err)
	_, err = b.Publish(domain.AccountUpdate{Key: domain.AccountCash, Value: 100, Currency: "USD", At: time.Now()})
	require.NoError(t, err)

	select {
	case <-accountDone:
	case <-time.After(2 * time.Second):
		t.Fatal("account lane blocked by tick lane")
	}

	close(release)
	<-tickDone
	b.Close()
}
