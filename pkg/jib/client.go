// Package jib is a Go client for the jib-trader HTTP API.
package jib

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"jib/internal/diag"
	"jib/internal/domain"
	"jib/internal/store"
)

// Client talks to a running jib-trader instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL, e.g.
// "http://127.0.0.1:8090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Snapshot retrieves the composed state snapshot: quotes, positions,
// balances, orders, and connection health.
func (c *Client) Snapshot(ctx context.Context) (domain.StateSnapshot, error) {
	var snap domain.StateSnapshot
	err := c.get(ctx, "/api/snapshot", &snap)
	return snap, err
}

// Orders lists all tracked orders, oldest first.
func (c *Client) Orders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.get(ctx, "/api/orders", &orders)
	return orders, err
}

// Order fetches one order by its correlation id.
func (c *Client) Order(ctx context.Context, correlationID string) (domain.Order, error) {
	var order domain.Order
	err := c.get(ctx, "/api/orders/"+url.PathEscape(correlationID), &order)
	return order, err
}

// OrderRequest is the order-entry payload.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type,omitempty"`
	Qty        float64 `json:"qty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

// PlaceOrder submits a new order and returns the tracked order with its
// assigned correlation id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (domain.Order, error) {
	var order domain.Order

	body, err := json.Marshal(req)
	if err != nil {
		return order, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return order, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return order, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return order, readError(resp)
	}
	return order, json.NewDecoder(resp.Body).Decode(&order)
}

// CancelOrder requests cancellation of an acknowledged order.
func (c *Client) CancelOrder(ctx context.Context, correlationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/orders/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return readError(resp)
	}
	return nil
}

// Diagnostics retrieves the health snapshot.
func (c *Client) Diagnostics(ctx context.Context) (diag.Snapshot, error) {
	var snap diag.Snapshot
	err := c.get(ctx, "/api/diagnostics", &snap)
	return snap, err
}

// Metrics retrieves trade statistics from the journal.
func (c *Client) Metrics(ctx context.Context) (store.Metrics, error) {
	var metrics store.Metrics
	err := c.get(ctx, "/api/journal/metrics", &metrics)
	return metrics, err
}

// JournalOrders lists recent journaled orders, newest first.
func (c *Client) JournalOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	path := "/api/journal/orders"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.get(ctx, path, &orders)
	return orders, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
