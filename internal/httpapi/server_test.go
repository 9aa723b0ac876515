package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jib/internal/diag"
	"jib/internal/domain"
	"jib/internal/engine"
	"jib/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeGateway struct {
	mu     sync.Mutex
	placed int
	err    error
}

func (g *fakeGateway) PlaceOrder(context.Context, domain.Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.placed++
	return nil
}

func (g *fakeGateway) CancelOrder(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type fakeMarket struct{ snap domain.MarketSnapshot }

func (m *fakeMarket) Snapshot() domain.MarketSnapshot { return m.snap }

type fakeDiag struct{ snap diag.Snapshot }

func (d *fakeDiag) Snapshot() diag.Snapshot { return d.snap }

type fakeFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan uint64
}

func newFakeFeed() *fakeFeed { return &fakeFeed{subs: make(map[int]chan uint64)} }

func (f *fakeFeed) Subscribe(bufSize int) (int, <-chan uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan uint64, bufSize)
	f.subs[id] = ch
	return id, ch
}

func (f *fakeFeed) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeFeed) announce(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func marketWithLast(symbol string, last float64) *fakeMarket {
	return &fakeMarket{snap: domain.MarketSnapshot{
		Mode: domain.ModePaper,
		Quotes: map[string]domain.Quote{
			symbol: {Symbol: symbol, Fields: map[domain.TickField]float64{domain.TickLast: last}},
		},
		Positions: map[string]domain.Position{},
		Balances:  map[string]domain.AccountBalance{},
	}}
}

func newTestServer(t *testing.T, limits domain.RiskLimits) (*httptest.Server, *engine.Controller, *fakeFeed) {
	t.Helper()
	gw := &fakeGateway{}
	controller := engine.NewController(testLogger(), engine.Config{Limits: limits}, gw, marketWithLast("AAPL", 150))
	controller.ConnState = func() string { return "connected" }

	journal, err := store.OpenSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	feed := newFakeFeed()
	srv := NewServer(testLogger(), controller, &fakeDiag{snap: diag.Snapshot{ConnState: "connected"}}, journal, feed)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, controller, feed
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSnapshotEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{})

	resp, err := http.Get(ts.URL + "/api/snapshot")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decode[domain.StateSnapshot](t, resp)
	assert.Equal(t, "connected", snap.ConnState)
	assert.Equal(t, domain.ModePaper, snap.Mode)
}

func TestPlaceAndFetchOrder(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{MaxOrderNotional: 25000})

	resp := postJSON(t, ts.URL+"/api/orders", placeOrderRequest{
		Symbol: "AAPL", Side: "buy", Type: "market", Qty: 10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[domain.Order](t, resp)
	assert.Equal(t, domain.OrderSubmitted, order.Status)
	require.NotEmpty(t, order.CorrelationID)

	resp, err := http.Get(ts.URL + "/api/orders/" + order.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.Order](t, resp)
	assert.Equal(t, order.CorrelationID, got.CorrelationID)
}

func TestPlaceOrderRiskRejection(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{MaxOrderNotional: 10000})

	resp := postJSON(t, ts.URL+"/api/orders", placeOrderRequest{
		Symbol: "AAPL", Side: "buy", Type: "market", Qty: 100,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[map[string]json.RawMessage](t, resp)
	assert.Contains(t, string(body["error"]), "NotionalLimitExceeded")
}

func TestPlaceOrderBadRequest(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{})

	resp := postJSON(t, ts.URL+"/api/orders", placeOrderRequest{Side: "buy", Qty: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	r, err := http.Post(ts.URL+"/api/orders", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r.Body.Close()
}

func TestCancelOrderStatuses(t *testing.T) {
	ts, controller, _ := newTestServer(t, domain.RiskLimits{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/orders/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	order, err := controller.PlaceOrder(context.Background(), domain.OrderIntent{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1,
	})
	require.NoError(t, err)

	// Not acknowledged yet.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/orders/"+order.CorrelationID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, controller.HandleOrderEvent(domain.Envelope{Seq: 1, Event: domain.OrderStatusEvent{
		BrokerID: "B-1", CorrelationID: order.CorrelationID,
		Status: domain.OrderAcknowledged, At: time.Now(),
	}}))

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/orders/"+order.CorrelationID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestDiagnosticsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{})

	resp, err := http.Get(ts.URL + "/api/diagnostics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[diag.Snapshot](t, resp)
	assert.Equal(t, "connected", snap.ConnState)
}

func TestJournalMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{})

	resp, err := http.Get(ts.URL + "/api/journal/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	metrics := decode[store.Metrics](t, resp)
	assert.Zero(t, metrics.TotalTrades)
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t, domain.RiskLimits{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/snapshot", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	ts, _, feed := newTestServer(t, domain.RiskLimits{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/api/updates", nil)
	require.NoError(t, err)
	defer c.CloseNow()

	// Initial snapshot on connect.
	var snap domain.StateSnapshot
	require.NoError(t, wsjson.Read(ctx, c, &snap))
	assert.Equal(t, "connected", snap.ConnState)

	// One more per announced version.
	feed.announce(1)
	require.NoError(t, wsjson.Read(ctx, c, &snap))
}
