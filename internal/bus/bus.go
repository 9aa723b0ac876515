// Package bus implements the ordered event dispatch at the heart of the
// core: broker-originated events are stamped with a per-topic sequence
// number at ingress and delivered to subscribers on per-topic lanes —
// serial within a topic, concurrent across topics.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"jib/internal/domain"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("bus: closed")
)

// Handler consumes one envelope. Handlers for the same topic are never
// invoked concurrently; a handler error (or panic) is logged as an event
// handler fault and does not stop dispatch of subsequent events.
type Handler func(domain.Envelope) error

// Bus dispatches MarketEvents to subscribers with per-topic total ordering
// and no silent drops: Publish blocks when a lane's queue is full rather
// than discarding.
type Bus struct {
	log       *slog.Logger
	queueSize int

	mu     sync.Mutex
	lanes  map[domain.Topic]*lane
	closed bool
	wg     sync.WaitGroup

	faults atomic.Uint64
}

type lane struct {
	topic domain.Topic

	// seqMu serializes sequence assignment with enqueue so queue order
	// always matches sequence order. It is never held by the dispatcher,
	// which keeps a full queue from deadlocking Publish.
	seqMu  sync.Mutex
	seq    uint64
	ch     chan domain.Envelope
	closed bool

	handlersMu sync.Mutex
	handlers   []Handler
}

// New creates a Bus whose per-topic queues hold queueSize events before
// Publish blocks.
func New(log *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		log:       log.With("component", "bus"),
		queueSize: queueSize,
		lanes:     make(map[domain.Topic]*lane),
	}
}

// Subscribe registers handler for every event on topic, in sequence order,
// exactly once per event.
func (b *Bus) Subscribe(topic domain.Topic, handler Handler) {
	l := b.lane(topic)
	l.handlersMu.Lock()
	l.handlers = append(l.handlers, handler)
	l.handlersMu.Unlock()
}

// Publish assigns the next sequence number for the event's topic and
// enqueues it for dispatch. It returns the assigned sequence number.
func (b *Bus) Publish(event domain.MarketEvent) (uint64, error) {
	l := b.lane(event.Topic())
	if l == nil {
		return 0, ErrClosed
	}

	l.seqMu.Lock()
	if l.closed {
		l.seqMu.Unlock()
		return 0, ErrClosed
	}
	l.seq++
	seq := l.seq
	l.ch <- domain.Envelope{Seq: seq, Event: event}
	l.seqMu.Unlock()
	return seq, nil
}

// FaultCount returns the number of handler faults observed since start.
func (b *Bus) FaultCount() uint64 {
	return b.faults.Load()
}

// Close stops accepting events and waits for all lanes to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	lanes := make([]*lane, 0, len(b.lanes))
	for _, l := range b.lanes {
		lanes = append(lanes, l)
	}
	b.mu.Unlock()

	for _, l := range lanes {
		l.seqMu.Lock()
		l.closed = true
		close(l.ch)
		l.seqMu.Unlock()
	}
	b.wg.Wait()
}

// lane returns the dispatch lane for topic, starting its goroutine on first
// use. Returns nil after Close.
func (b *Bus) lane(topic domain.Topic) *lane {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if l, ok := b.lanes[topic]; ok {
		return l
	}
	l := &lane{
		topic: topic,
		ch:    make(chan domain.Envelope, b.queueSize),
	}
	b.lanes[topic] = l
	b.wg.Add(1)
	go b.dispatch(l)
	return l
}

// dispatch drains one lane. One goroutine per topic gives serial delivery
// within the topic while unrelated topics proceed concurrently.
func (b *Bus) dispatch(l *lane) {
	defer b.wg.Done()
	for env := range l.ch {
		l.handlersMu.Lock()
		handlers := make([]Handler, len(l.handlers))
		copy(handlers, l.handlers)
		l.handlersMu.Unlock()

		for _, h := range handlers {
			if err := b.invoke(h, env); err != nil {
				b.faults.Add(1)
				b.log.Error("event handler fault",
					"topic", l.topic,
					"seq", env.Seq,
					"err", err,
				)
			}
		}
	}
}

// invoke runs a single handler, converting panics into errors so one
// subscriber cannot take down delivery to the others.
func (b *Bus) invoke(h Handler, env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(env)
}
