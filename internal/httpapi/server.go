// Package httpapi exposes the trading core over HTTP: state snapshots,
// order entry and cancellation, diagnostics, journal metrics, and a
// WebSocket push channel for live snapshot updates.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"jib/internal/conn"
	"jib/internal/diag"
	"jib/internal/domain"
	"jib/internal/engine"
	"jib/internal/store"
)

// Diagnostics supplies the health snapshot.
type Diagnostics interface {
	Snapshot() diag.Snapshot
}

// VersionFeed announces new state versions; the WebSocket handler drains it.
type VersionFeed interface {
	Subscribe(bufSize int) (int, <-chan uint64)
	Unsubscribe(id int)
}

// Server serves the trading core API.
type Server struct {
	controller *engine.Controller
	diag       Diagnostics
	journal    store.Journal // nil disables /api/journal endpoints
	feed       VersionFeed   // nil disables /api/updates
	log        *slog.Logger
}

// NewServer creates the API server.
func NewServer(log *slog.Logger, controller *engine.Controller, d Diagnostics, journal store.Journal, feed VersionFeed) *Server {
	return &Server{
		controller: controller,
		diag:       d,
		journal:    journal,
		feed:       feed,
		log:        log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /api/journal/metrics", s.handleJournalMetrics)
	mux.HandleFunc("GET /api/journal/orders", s.handleJournalOrders)
	mux.HandleFunc("GET /api/updates", s.handleUpdates)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.StateSnapshot())
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Orders())
}

// placeOrderRequest is the order-entry payload.
type placeOrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Qty        float64 `json:"qty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	intent := domain.OrderIntent{
		Symbol:     req.Symbol,
		Side:       domain.OrderSide(req.Side),
		Type:       domain.OrderType(req.Type),
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
	}
	if intent.Type == "" {
		intent.Type = domain.OrderTypeMarket
	}

	order, err := s.controller.PlaceOrder(r.Context(), intent)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, order)
	case errors.Is(err, engine.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrRiskRejected):
		// The rejection is itself a tracked order; return it with the error.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"order": order,
		})
	case errors.Is(err, conn.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.controller.Order(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	err := s.controller.CancelOrder(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrUnknownOrder):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotAcknowledged):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conn.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.Snapshot())
}

func (s *Server) handleJournalMetrics(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	metrics, err := s.journal.Metrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleJournalOrders(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	orders, err := s.journal.Orders(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}
