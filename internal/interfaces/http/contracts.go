package http

import (
	"time"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// ErrorResponse is the standardized error body for all JSON endpoints.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TradesResponse wraps a windowed trade query.
type TradesResponse struct {
	Instrument string         `json:"instrument"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Count      int            `json:"count"`
	Trades     []models.Trade `json:"trades"`
}

// BookResponse wraps a book lookup and reports where it was served
// from.
type BookResponse struct {
	Source   string               `json:"source"` // "cache" or "store"
	Snapshot *models.BookSnapshot `json:"snapshot"`
}

// ReplayRequest creates a replay session over a historical window.
type ReplayRequest struct {
	Instrument string    `json:"instrument"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Speed      float64   `json:"speed,omitempty"`
}

// ReplayResponse returns the created session and where to stream it.
type ReplayResponse struct {
	SessionID string  `json:"session_id"`
	StreamURL string  `json:"stream_url"`
	Speed     float64 `json:"speed"`
}
