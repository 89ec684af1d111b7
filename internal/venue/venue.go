// Package venue defines the uniform contract for exchange clients and
// the registry that maps venue ids to constructors. Concrete SDK
// adapters live outside the core; the pipeline only sees this
// interface.
package venue

import (
	"context"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// Client provides blocking fetch primitives for one venue. Returned
// values are raw venue payloads; the normalizer owns field mapping.
type Client interface {
	// Name returns the venue id, e.g. "binance_spot".
	Name() string

	// Symbols returns the configured canonical symbols for this venue.
	Symbols() []string

	// FetchTicker returns the current quote for a symbol.
	FetchTicker(ctx context.Context, symbol string) (models.RawEvent, error)

	// FetchTrades returns up to limit recent trades for a symbol.
	FetchTrades(ctx context.Context, symbol string, limit int) ([]models.RawEvent, error)

	// FetchBook returns the aggregated order book for a symbol.
	FetchBook(ctx context.Context, symbol string, limit int) (models.RawEvent, error)

	// LoadMarkets returns symbol metadata keyed by canonical symbol.
	LoadMarkets(ctx context.Context) (map[string]models.RawEvent, error)
}

// Credentials is the opaque API credential record passed through to a
// venue client. The core never interprets it.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Options configures a client constructed through the registry.
type Options struct {
	Symbols     []string
	Credentials Credentials
	Sandbox     bool
}
