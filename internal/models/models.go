package models

import (
	"time"
)

// Trade is the canonical append-only trade record shared by ingest,
// persistence, fan-out and replay.
type Trade struct {
	ID         int64     `json:"id,omitempty" db:"id"`
	Source     string    `json:"source" db:"source"`
	Instrument string    `json:"instrument" db:"instrument"`
	TradeID    *string   `json:"trade_id,omitempty" db:"trade_id"`
	Price      float64   `json:"price" db:"price"`
	Size       float64   `json:"size" db:"size"`
	Side       *string   `json:"side,omitempty" db:"side"`
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	ReceivedAt time.Time `json:"received_at,omitempty" db:"received_at"`
}

// PriceLevel is a single [price, size] rung of a book ladder. It
// marshals as a two-element JSON array to stay wire-compatible with
// exchange payloads.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is the canonical aggregated order book for one
// (source, instrument). Bids are sorted descending, asks ascending.
type BookSnapshot struct {
	ID         int64        `json:"id,omitempty" db:"id"`
	Source     string       `json:"source" db:"source"`
	Instrument string       `json:"instrument" db:"instrument"`
	Sequence   *int64       `json:"sequence,omitempty" db:"sequence"`
	Bids       []PriceLevel `json:"bids" db:"bids"`
	Asks       []PriceLevel `json:"asks" db:"asks"`
	Timestamp  time.Time    `json:"timestamp" db:"ts"`
}

// Crossed reports whether the best bid meets or exceeds the best ask.
// A crossed book is a sanity failure and forces a resync upstream.
func (b *BookSnapshot) Crossed() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.Bids[0].Price >= b.Asks[0].Price
}

// Ticker is the lightweight per-instrument quote emitted by the
// ticker poll stream. It is fanned out but not persisted.
type Ticker struct {
	Source     string    `json:"source"`
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid,omitempty"`
	Ask        float64   `json:"ask,omitempty"`
	Last       float64   `json:"last,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TimeRange is a closed [From, To] query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the window.
func (tr TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(tr.From) && !ts.After(tr.To)
}
