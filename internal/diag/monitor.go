// Package diag aggregates health signals from the connection manager, bus,
// and state store into a single diagnostics snapshot: uptime ratio,
// heartbeat latency percentiles, sequence gaps, handler faults, and
// per-instrument market-data staleness.
package diag

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"jib/internal/conn"
)

// latencyWindow bounds the heartbeat latency sample ring.
const latencyWindow = 256

// GapCounter reports sequence gaps advanced past (the state store).
type GapCounter interface {
	GapCount() uint64
}

// FaultCounter reports event handler faults (the bus).
type FaultCounter interface {
	FaultCount() uint64
}

// TickAges reports the last tick time per instrument (the state store).
type TickAges interface {
	LastTickTimes() map[string]time.Time
}

// ConnHealth reports connection status (the connection manager).
type ConnHealth interface {
	Status() conn.Status
}

// Snapshot is a point-in-time health report.
type Snapshot struct {
	At                time.Time         `json:"at"`
	ConnState         string            `json:"conn_state"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	Reconnects        int               `json:"reconnects"`
	UptimeRatio       float64           `json:"uptime_ratio"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	HeartbeatP50      time.Duration     `json:"heartbeat_p50_ns"`
	HeartbeatP95      time.Duration     `json:"heartbeat_p95_ns"`
	HeartbeatMax      time.Duration     `json:"heartbeat_max_ns"`
	SequenceGaps      uint64            `json:"sequence_gaps"`
	HandlerFaults     uint64            `json:"handler_faults"`
	StaleInstruments  []string          `json:"stale_instruments"`
	TickAges          map[string]string `json:"tick_ages"`
}

// Monitor collects health signals. It observes rather than polls: the
// connection manager feeds it state transitions and heartbeat latencies,
// while counters are read at snapshot time.
type Monitor struct {
	log        *slog.Logger
	staleAfter time.Duration

	connHealth ConnHealth
	gaps       GapCounter
	faults     FaultCounter
	ticks      TickAges

	mu         sync.Mutex
	started    time.Time
	up         bool
	upSince    time.Time
	upTotal    time.Duration
	reconnects int
	samples    [latencyWindow]time.Duration
	sampleIdx  int
	sampleN    int
}

// NewMonitor creates a monitor. staleAfter is the tick age past which an
// instrument is reported stale; zero means 10s.
func NewMonitor(log *slog.Logger, staleAfter time.Duration, health ConnHealth, gaps GapCounter, faults FaultCounter, ticks TickAges) *Monitor {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &Monitor{
		log:        log.With("component", "diag"),
		staleAfter: staleAfter,
		connHealth: health,
		gaps:       gaps,
		faults:     faults,
		ticks:      ticks,
		started:    time.Now(),
	}
}

// ObserveHeartbeat records one heartbeat delivery latency. Wire it to the
// connection manager's OnHeartbeat hook.
func (m *Monitor) ObserveHeartbeat(latency time.Duration) {
	m.mu.Lock()
	m.samples[m.sampleIdx] = latency
	m.sampleIdx = (m.sampleIdx + 1) % latencyWindow
	if m.sampleN < latencyWindow {
		m.sampleN++
	}
	m.mu.Unlock()
}

// StateChanged tracks uptime accounting across connection transitions. Wire
// it to the connection manager's state listener. Degraded still counts as
// up: the session exists, it is just late.
func (m *Monitor) StateChanged(old, next conn.State) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	wasUp := m.up
	isUp := next == conn.StateConnected || next == conn.StateDegraded
	if wasUp && !isUp {
		m.upTotal += now.Sub(m.upSince)
	}
	if !wasUp && isUp {
		m.upSince = now
	}
	m.up = isUp

	if old == conn.StateReconnecting && next == conn.StateConnected {
		m.reconnects++
	}
}

// Snapshot assembles the current health report.
func (m *Monitor) Snapshot() Snapshot {
	now := time.Now()
	status := m.connHealth.Status()

	m.mu.Lock()
	upTotal := m.upTotal
	if m.up {
		upTotal += now.Sub(m.upSince)
	}
	total := now.Sub(m.started)
	reconnects := m.reconnects
	p50, p95, max := m.percentilesLocked()
	m.mu.Unlock()

	snap := Snapshot{
		At:                now,
		ConnState:         string(status.State),
		ReconnectAttempts: status.Attempts,
		Reconnects:        reconnects,
		LastHeartbeat:     status.LastHeartbeat,
		HeartbeatP50:      p50,
		HeartbeatP95:      p95,
		HeartbeatMax:      max,
		SequenceGaps:      m.gaps.GapCount(),
		HandlerFaults:     m.faults.FaultCount(),
		TickAges:          make(map[string]string),
	}
	if total > 0 {
		snap.UptimeRatio = float64(upTotal) / float64(total)
	}

	for sym, at := range m.ticks.LastTickTimes() {
		age := now.Sub(at)
		snap.TickAges[sym] = age.Round(time.Millisecond).String()
		if age > m.staleAfter {
			snap.StaleInstruments = append(snap.StaleInstruments, sym)
		}
	}
	sort.Strings(snap.StaleInstruments)
	return snap
}

func (m *Monitor) percentilesLocked() (p50, p95, max time.Duration) {
	if m.sampleN == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, m.sampleN)
	copy(sorted, m.samples[:m.sampleN])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 = sorted[m.sampleN/2]
	p95 = sorted[(m.sampleN*95)/100]
	max = sorted[m.sampleN-1]
	return p50, p95, max
}
