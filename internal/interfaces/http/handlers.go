package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/replay"
)

// Store is the slice of the database manager the HTTP surface needs.
type Store interface {
	Repository() *persistence.Repository
	Ping(ctx context.Context) error
	Stats() map[string]any
}

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
	defaultTradeSpan  = time.Hour
)

// Handlers bundles the dependencies of all HTTP endpoints.
type Handlers struct {
	store   Store
	books   cache.Books
	pub     *publisher.Publisher
	engine  *replay.Engine
	metrics *MetricsRegistry

	startTime time.Time
}

// NewHandlers creates a handlers instance. metrics must not be nil;
// the other dependencies may be nil when the corresponding endpoints
// are unused in tests.
func NewHandlers(store Store, books cache.Books, pub *publisher.Publisher, engine *replay.Engine, metrics *MetricsRegistry) *Handlers {
	return &Handlers{
		store:     store,
		books:     books,
		pub:       pub,
		engine:    engine,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// canonicalInstrument maps the URL-safe dash form ("BTC-USDT") to the
// canonical slash form ("BTC/USDT").
func canonicalInstrument(raw string) string {
	return strings.ReplaceAll(raw, "-", "/")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// Book serves the latest order book for an instrument, preferring the
// hot cache and falling back to the store.
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	instrument := canonicalInstrument(mux.Vars(r)["instrument"])

	if h.books != nil {
		if snap := h.books.GetSnapshot(r.Context(), instrument); snap != nil {
			h.metrics.RecordCacheHit("book")
			h.writeJSON(w, http.StatusOK, BookResponse{Source: "cache", Snapshot: snap})
			return
		}
		h.metrics.RecordCacheMiss("book")
	}

	snap, err := h.store.Repository().Snapshots.Latest(r.Context(), instrument)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_query_failed",
			"Failed to load order book")
		return
	}
	if snap == nil {
		h.writeError(w, r, http.StatusNotFound, "book_not_found",
			fmt.Sprintf("No order book recorded for %s", instrument))
		return
	}
	h.writeJSON(w, http.StatusOK, BookResponse{Source: "store", Snapshot: snap})
}

// Trades serves a time-windowed trade query for an instrument.
func (h *Handlers) Trades(w http.ResponseWriter, r *http.Request) {
	instrument := canonicalInstrument(mux.Vars(r)["instrument"])

	window, err := parseWindow(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_window", err.Error())
		return
	}
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxTradeLimit {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit",
				fmt.Sprintf("limit must be between 1 and %d", maxTradeLimit))
			return
		}
	}

	trades, err := h.store.Repository().Trades.ListByInstrument(r.Context(), instrument, window, limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "store_query_failed",
			"Failed to load trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	h.writeJSON(w, http.StatusOK, TradesResponse{
		Instrument: instrument,
		From:       window.From,
		To:         window.To,
		Count:      len(trades),
		Trades:     trades,
	})
}

// CreateReplay registers a replay session and returns its stream URL.
func (h *Handlers) CreateReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body")
		return
	}
	if req.Instrument == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_instrument", "instrument is required")
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		h.writeError(w, r, http.StatusBadRequest, "missing_window", "from and to are required")
		return
	}

	window := models.TimeRange{From: req.From, To: req.To}
	sess, err := h.engine.CreateSession(canonicalInstrument(req.Instrument), window, req.Speed)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_session", err.Error())
		return
	}
	h.metrics.ReplaySessionCreated()

	h.writeJSON(w, http.StatusCreated, ReplayResponse{
		SessionID: sess.ID,
		StreamURL: fmt.Sprintf("/replay/%s/stream", sess.ID),
		Speed:     sess.Speed,
	})
}

// parseWindow reads from/to query parameters, defaulting to the last
// hour when absent.
func parseWindow(r *http.Request) (models.TimeRange, error) {
	now := time.Now().UTC()
	window := models.TimeRange{From: now.Add(-defaultTradeSpan), To: now}

	if raw := r.URL.Query().Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("from must be RFC3339: %w", err)
		}
		window.From = ts
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("to must be RFC3339: %w", err)
		}
		window.To = ts
	}
	if window.To.Before(window.From) {
		return models.TimeRange{}, fmt.Errorf("to precedes from")
	}
	return window, nil
}
