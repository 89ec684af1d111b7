// Package persistence defines the storage contracts for the feed
// pipeline. Implementations live in subpackages.
package persistence

import (
	"context"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// TradesRepo persists the append-only trade stream.
type TradesRepo interface {
	// Insert enqueues a trade for the next batch flush. The write is
	// durable after the flush that drains it; Shutdown on the owning
	// repository forces a final flush.
	Insert(ctx context.Context, trade models.Trade) error

	// ListByInstrument retrieves trades for an instrument within the
	// window, ordered by venue timestamp ascending.
	ListByInstrument(ctx context.Context, instrument string, tr models.TimeRange, limit int) ([]models.Trade, error)

	// Count returns the number of stored trades in the window.
	Count(ctx context.Context, tr models.TimeRange) (int64, error)
}

// SnapshotsRepo persists the latest book snapshot per
// (source, instrument). Upsert keeps at most one row per key.
type SnapshotsRepo interface {
	// Upsert replaces the stored snapshot for its (source, instrument).
	Upsert(ctx context.Context, snap models.BookSnapshot) error

	// Get returns the stored snapshot for an exact (source, instrument)
	// key, or nil when absent.
	Get(ctx context.Context, source, instrument string) (*models.BookSnapshot, error)

	// Latest returns the most recently written snapshot for an
	// instrument across sources, or nil when absent.
	Latest(ctx context.Context, instrument string) (*models.BookSnapshot, error)

	// ListByInstrument retrieves snapshots for an instrument within the
	// window, ordered by timestamp ascending.
	ListByInstrument(ctx context.Context, instrument string, tr models.TimeRange) ([]models.BookSnapshot, error)
}

// WriteObserver receives persistence-side measurements. The metrics
// registry implements it; a nil observer is a no-op.
type WriteObserver interface {
	// TradesFlushed reports the size of a committed trade batch.
	TradesFlushed(n int)

	// ObserveWriteLatency reports one storage transaction's duration.
	ObserveWriteLatency(operation string, seconds float64)
}

// Repository aggregates the storage interfaces and owns shutdown.
type Repository struct {
	Trades    TradesRepo
	Snapshots SnapshotsRepo

	closers []func(ctx context.Context) error
}

// OnShutdown registers a hook run by Shutdown, typically the trade
// flusher's final drain.
func (r *Repository) OnShutdown(fn func(ctx context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Shutdown flushes residual batches and releases resources.
func (r *Repository) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range r.closers {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
