package jib

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"jib/internal/domain"
)

func TestSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/snapshot" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(domain.StateSnapshot{ConnState: "connected"})
	}))
	defer ts.Close()

	snap, err := NewClient(ts.URL).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.ConnState != "connected" {
		t.Errorf("ConnState = %q, want %q", snap.ConnState, "connected")
	}
}

func TestPlaceOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Symbol != "AAPL" || req.Qty != 10 {
			t.Errorf("unexpected payload %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.Order{
			CorrelationID: "corr-1",
			Symbol:        req.Symbol,
			Status:        domain.OrderSubmitted,
		})
	}))
	defer ts.Close()

	order, err := NewClient(ts.URL).PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: "buy", Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if order.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want %q", order.CorrelationID, "corr-1")
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "risk rejected: NotionalLimitExceeded"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: "buy", Qty: 1000,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", apiErr.StatusCode)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown order"})
	}))
	defer ts.Close()

	err := NewClient(ts.URL).CancelOrder(context.Background(), "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
}
