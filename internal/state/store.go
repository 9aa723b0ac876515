// Package state folds MarketEvents into the current derived view: positions,
// account balances, and the latest market-data snapshot per instrument.
//
// The fold is idempotent per topic: every applied envelope advances a
// per-topic high-water mark and replays of already-applied sequence numbers
// are no-ops. Out-of-order arrivals are buffered up to a bounded window;
// once the window expires the store advances anyway and flags a sequence
// gap instead of blocking forever.
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jib/internal/domain"
)

// Config controls fold behaviour.
type Config struct {
	// Mode annotates snapshots with the trading mode (paper/live).
	Mode domain.TradingMode
	// GapWindow bounds how long an out-of-order envelope is buffered while
	// waiting for the missing sequence numbers.
	GapWindow time.Duration
}

// DefaultGapWindow is used when Config.GapWindow is zero.
const DefaultGapWindow = 2 * time.Second

// Store is the consistency-preserving in-memory projection built by folding
// bus events. Apply is called from bus lanes (serial per topic); Snapshot
// may be called from any goroutine and never blocks the fold path for long:
// it copies under a read lock while folds take the write lock per event.
type Store struct {
	log       *slog.Logger
	mode      domain.TradingMode
	gapWindow time.Duration

	mu        sync.RWMutex
	version   uint64
	hwm       map[domain.Topic]uint64
	pending   map[domain.Topic]map[uint64]domain.Envelope
	pendingAt map[domain.Topic]time.Time
	positions map[string]domain.Position
	balances  map[string]domain.AccountBalance
	quotes    map[string]domain.Quote
	stale     bool

	gaps atomic.Uint64

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan uint64
}

// New creates an empty store.
func New(log *slog.Logger, cfg Config) *Store {
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = DefaultGapWindow
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePaper
	}
	return &Store{
		log:       log.With("component", "state"),
		mode:      cfg.Mode,
		gapWindow: cfg.GapWindow,
		hwm:       make(map[domain.Topic]uint64),
		pending:   make(map[domain.Topic]map[uint64]domain.Envelope),
		pendingAt: make(map[domain.Topic]time.Time),
		positions: make(map[string]domain.Position),
		balances:  make(map[string]domain.AccountBalance),
		quotes:    make(map[string]domain.Quote),
		subs:      make(map[int]chan uint64),
	}
}

// Apply folds one envelope into the store. It is a no-op for sequence
// numbers at or below the topic's high-water mark, buffers ahead-of-sequence
// envelopes, and satisfies the bus Handler signature.
func (s *Store) Apply(env domain.Envelope) error {
	topic := env.Event.Topic()

	s.mu.Lock()
	applied := s.applyLocked(topic, env, time.Now())
	version := s.version
	s.mu.Unlock()

	if applied {
		s.notify(version)
	}
	return nil
}

// Run periodically flushes expired gap buffers until ctx is done. Without
// it a trailing gap would only resolve when the next event for the topic
// arrives.
func (s *Store) Run(ctx context.Context) {
	interval := s.gapWindow / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushGaps()
		}
	}
}

// FlushGaps force-applies any buffered envelopes whose wait window has
// expired. Exposed for the periodic flusher and for tests.
func (s *Store) FlushGaps() {
	now := time.Now()
	s.mu.Lock()
	flushed := false
	for topic := range s.pending {
		if s.flushExpiredLocked(topic, now) {
			flushed = true
		}
	}
	version := s.version
	s.mu.Unlock()
	if flushed {
		s.notify(version)
	}
}

// applyLocked folds env if it is next in sequence, buffers it if it is
// ahead, and drops it if already applied. Returns whether any fold happened.
func (s *Store) applyLocked(topic domain.Topic, env domain.Envelope, now time.Time) bool {
	mark := s.hwm[topic]
	switch {
	case env.Seq <= mark:
		// Duplicate delivery; the fold already saw this sequence number.
		return false
	case env.Seq == mark+1:
		s.foldLocked(env.Event)
		s.hwm[topic] = env.Seq
		s.drainPendingLocked(topic)
		s.version++
		return true
	default:
		buf, ok := s.pending[topic]
		if !ok {
			buf = make(map[uint64]domain.Envelope)
			s.pending[topic] = buf
		}
		if _, dup := buf[env.Seq]; !dup {
			buf[env.Seq] = env
		}
		if _, started := s.pendingAt[topic]; !started {
			s.pendingAt[topic] = now
		}
		if s.flushExpiredLocked(topic, now) {
			return true
		}
		return false
	}
}

// drainPendingLocked applies consecutively buffered envelopes following the
// high-water mark.
func (s *Store) drainPendingLocked(topic domain.Topic) {
	buf := s.pending[topic]
	if len(buf) == 0 {
		return
	}
	for {
		next, ok := buf[s.hwm[topic]+1]
		if !ok {
			break
		}
		delete(buf, next.Seq)
		s.foldLocked(next.Event)
		s.hwm[topic] = next.Seq
	}
	if len(buf) == 0 {
		delete(s.pending, topic)
		delete(s.pendingAt, topic)
	}
}

// flushExpiredLocked advances past a sequence gap whose wait window has
// expired: all buffered envelopes are folded in ascending order, the
// high-water mark jumps to the highest buffered sequence number, and the
// gap is counted as a diagnostic rather than blocking the fold forever.
func (s *Store) flushExpiredLocked(topic domain.Topic, now time.Time) bool {
	started, ok := s.pendingAt[topic]
	if !ok || now.Sub(started) < s.gapWindow {
		return false
	}
	buf := s.pending[topic]
	if len(buf) == 0 {
		delete(s.pending, topic)
		delete(s.pendingAt, topic)
		return false
	}

	seqs := make([]uint64, 0, len(buf))
	for seq := range buf {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		s.foldLocked(buf[seq].Event)
		if seq > s.hwm[topic] {
			s.hwm[topic] = seq
		}
	}
	delete(s.pending, topic)
	delete(s.pendingAt, topic)

	s.gaps.Add(1)
	s.version++
	s.log.Warn("sequence gap detected, advancing",
		"topic", topic,
		"buffered", len(seqs),
		"hwm", s.hwm[topic],
	)
	return true
}

// foldLocked mutates derived state for one event.
func (s *Store) foldLocked(event domain.MarketEvent) {
	switch e := event.(type) {
	case domain.Tick:
		q, ok := s.quotes[e.Symbol]
		if !ok {
			q = domain.Quote{Symbol: e.Symbol, Fields: make(map[domain.TickField]float64)}
		}
		q.Fields[e.Field] = e.Value
		q.LastTickAt = e.At
		s.quotes[e.Symbol] = q

	case domain.Execution:
		pos := s.positions[e.Symbol]
		pos.Symbol = e.Symbol
		s.positions[e.Symbol] = ApplyFill(pos, e.Side, e.Qty, e.Price)

	case domain.AccountUpdate:
		bal := s.balances[e.Currency]
		bal.Currency = e.Currency
		switch e.Key {
		case domain.AccountCash:
			bal.Cash = e.Value
		case domain.AccountMarginUsed:
			bal.MarginUsed = e.Value
		case domain.AccountBuyingPower:
			bal.BuyingPower = e.Value
		}
		s.balances[e.Currency] = bal

	case domain.OrderStatusEvent:
		// Order lifecycle is folded by the order controller, not here.
	}
}

// ApplyFill updates a position for one fill: buys and sells adjust signed
// quantity, average cost tracks the open lot, and reducing fills realize
// P&L against the average cost. Shared with the trade journal so both
// compute realized P&L identically.
func ApplyFill(pos domain.Position, side domain.OrderSide, qty, price float64) domain.Position {
	signed := qty
	if side == domain.OrderSideSell {
		signed = -qty
	}

	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (signed > 0):
		// Opening or adding to a position on the same side.
		total := pos.Qty + signed
		if total != 0 {
			pos.AvgCost = (pos.AvgCost*abs(pos.Qty) + price*abs(signed)) / abs(total)
		}
		pos.Qty = total
	default:
		// Reducing (possibly crossing through zero).
		closing := min(abs(signed), abs(pos.Qty))
		if pos.Qty > 0 {
			pos.RealizedPnL += (price - pos.AvgCost) * closing
		} else {
			pos.RealizedPnL += (pos.AvgCost - price) * closing
		}
		pos.Qty += signed
		if pos.Qty == 0 {
			pos.AvgCost = 0
		} else if (pos.Qty > 0) == (signed > 0) {
			// Crossed zero: remainder is a fresh lot at the fill price.
			pos.AvgCost = price
		}
	}
	return pos
}

// Snapshot returns an immutable point-in-time copy of all derived state.
func (s *Store) Snapshot() domain.MarketSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.MarketSnapshot{
		Version:   s.version,
		At:        time.Now(),
		Mode:      s.mode,
		Stale:     s.stale,
		Positions: make(map[string]domain.Position, len(s.positions)),
		Balances:  make(map[string]domain.AccountBalance, len(s.balances)),
		Quotes:    make(map[string]domain.Quote, len(s.quotes)),
	}
	for k, v := range s.positions {
		snap.Positions[k] = v
	}
	for k, v := range s.balances {
		snap.Balances[k] = v
	}
	for k, v := range s.quotes {
		q := v
		q.Fields = make(map[domain.TickField]float64, len(v.Fields))
		for f, val := range v.Fields {
			q.Fields[f] = val
		}
		snap.Quotes[k] = q
	}
	return snap
}

// SetStale annotates subsequent snapshots; set while the connection is
// Degraded or Reconnecting so readers can tell the data may be behind.
func (s *Store) SetStale(stale bool) {
	s.mu.Lock()
	changed := s.stale != stale
	s.stale = stale
	if changed {
		s.version++
	}
	version := s.version
	s.mu.Unlock()
	if changed {
		s.notify(version)
	}
}

// GapCount returns the number of sequence gaps the store advanced past.
func (s *Store) GapCount() uint64 {
	return s.gaps.Load()
}

// LastTickTimes returns the time of the most recent tick per instrument,
// for staleness detection.
func (s *Store) LastTickTimes() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.quotes))
	for sym, q := range s.quotes {
		out[sym] = q.LastTickAt
	}
	return out
}

// Subscribe registers a snapshot-available channel carrying the new version
// number. Slow subscribers miss intermediate versions but never block the
// fold.
func (s *Store) Subscribe(bufSize int) (int, <-chan uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan uint64, bufSize)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) notify(version uint64) {
	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- version:
		default:
			// Slow subscriber, skip this version.
		}
	}
	s.subsMu.Unlock()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
