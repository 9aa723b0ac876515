package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"jib/internal/domain"
)

// EventRecord is the Parquet schema for archived bus events: the variant
// union flattened into one row, discriminated by Kind.
type EventRecord struct {
	Topic         string  `parquet:"topic"`
	Seq           int64   `parquet:"seq"`
	Kind          string  `parquet:"kind"` // tick | order_status | execution | account
	At            int64   `parquet:"at,timestamp(millisecond)"` // Unix ms
	Symbol        string  `parquet:"symbol"`
	Field         string  `parquet:"field"`
	Value         float64 `parquet:"value"`
	BrokerID      string  `parquet:"broker_id"`
	CorrelationID string  `parquet:"correlation_id"`
	ExecID        string  `parquet:"exec_id"`
	Status        string  `parquet:"status"`
	Side          string  `parquet:"side"`
	Qty           float64 `parquet:"qty"`
	Price         float64 `parquet:"price"`
	Reason        string  `parquet:"reason"`
	AccountKey    string  `parquet:"account_key"`
	Currency      string  `parquet:"currency"`
}

// ParquetArchive writes the sequenced event stream to Parquet files,
// one file per topic per day:
//
//	<DataDir>/events/<topic>/<YYYY-MM-DD>.parquet
//
// Append buffers in memory; Flush merges the buffer into the day files,
// deduplicating by (topic, seq), so replays after a crash are harmless.
type ParquetArchive struct {
	DataDir string

	log *slog.Logger

	mu  sync.Mutex
	buf []EventRecord
}

// NewParquetArchive creates an archive rooted at dataDir.
func NewParquetArchive(log *slog.Logger, dataDir string) *ParquetArchive {
	return &ParquetArchive{
		DataDir: dataDir,
		log:     log.With("component", "archive"),
	}
}

// Append buffers one envelope. Satisfies the bus Handler signature, so the
// archive can subscribe to every topic directly.
func (a *ParquetArchive) Append(env domain.Envelope) error {
	rec := toRecord(env)
	a.mu.Lock()
	a.buf = append(a.buf, rec)
	a.mu.Unlock()
	return nil
}

// Run flushes the buffer periodically until ctx is done, then once more on
// the way out.
func (a *ParquetArchive) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(); err != nil {
				a.log.Error("final archive flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				a.log.Error("archive flush failed", "err", err)
			}
		}
	}
}

// Flush merges buffered records into their per-topic day files.
func (a *ParquetArchive) Flush() error {
	a.mu.Lock()
	buf := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}

	type key struct {
		topic string
		date  string // YYYY-MM-DD
	}
	groups := make(map[key][]EventRecord)
	for _, r := range buf {
		k := key{topic: r.Topic, date: time.UnixMilli(r.At).UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], r)
	}

	for k, records := range groups {
		path := a.eventPath(k.topic, k.date)
		existing, _ := readParquetFile[EventRecord](path)
		merged := mergeEventRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing events for %s/%s: %w", k.topic, k.date, err)
		}
	}
	return nil
}

// ReadEvents reads one topic's archived events for a single UTC day.
func (a *ParquetArchive) ReadEvents(topic domain.Topic, day time.Time) ([]EventRecord, error) {
	path := a.eventPath(string(topic), day.UTC().Format("2006-01-02"))
	records, err := readParquetFile[EventRecord](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading events %s: %w", path, err)
	}
	return records, nil
}

// eventPath returns the filesystem path for one topic-day file.
func (a *ParquetArchive) eventPath(topic, date string) string {
	return filepath.Join(a.DataDir, "events", topic, date+".parquet")
}

func toRecord(env domain.Envelope) EventRecord {
	rec := EventRecord{
		Topic: string(env.Event.Topic()),
		Seq:   int64(env.Seq),
		At:    env.Event.EventTime().UnixMilli(),
	}
	switch e := env.Event.(type) {
	case domain.Tick:
		rec.Kind = "tick"
		rec.Symbol = e.Symbol
		rec.Field = string(e.Field)
		rec.Value = e.Value
	case domain.OrderStatusEvent:
		rec.Kind = "order_status"
		rec.BrokerID = e.BrokerID
		rec.CorrelationID = e.CorrelationID
		rec.Status = string(e.Status)
		rec.Qty = e.FilledQty
		rec.Price = e.AvgFillPrice
		rec.Reason = e.Reason
	case domain.Execution:
		rec.Kind = "execution"
		rec.BrokerID = e.BrokerID
		rec.CorrelationID = e.CorrelationID
		rec.ExecID = e.ExecID
		rec.Symbol = e.Symbol
		rec.Side = string(e.Side)
		rec.Qty = e.Qty
		rec.Price = e.Price
	case domain.AccountUpdate:
		rec.Kind = "account"
		rec.AccountKey = string(e.Key)
		rec.Value = e.Value
		rec.Currency = e.Currency
	}
	return rec
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeEventRecords deduplicates by (topic, seq), preferring new records,
// sorted by sequence number.
func mergeEventRecords(existing, incoming []EventRecord) []EventRecord {
	type key struct {
		topic string
		seq   int64
	}
	seen := make(map[key]EventRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Topic, r.Seq}] = r
	}
	for _, r := range incoming {
		seen[key{r.Topic, r.Seq}] = r
	}

	merged := make([]EventRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
