// Package sqldb implements the persistence contracts on a relational
// store through sqlx. Queries are written with ? placeholders and
// rebound per driver, so the same code serves PostgreSQL and SQLite.
package sqldb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

const (
	// DefaultBatchSize triggers an early flush when the pending batch
	// reaches it.
	DefaultBatchSize = 100
	// DefaultFlushInterval is the background flusher cadence.
	DefaultFlushInterval = time.Second
	// retainFactor caps the retained backlog at retainFactor batches
	// when the store keeps failing. Oldest trades are dropped beyond it.
	retainFactor = 10
)

// TradesRepo buffers trades and commits them in batch transactions.
// A failed flush retains the batch for the next cycle, capped at
// retainFactor batches.
type TradesRepo struct {
	db            *sqlx.DB
	timeout       time.Duration
	batchSize     int
	flushInterval time.Duration
	observer      persistence.WriteObserver

	mu    sync.Mutex
	batch []models.Trade

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewTradesRepo creates the repo and starts its background flusher.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration, batchSize int, flushInterval time.Duration, observer persistence.WriteObserver) *TradesRepo {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	r := &TradesRepo{
		db:            db,
		timeout:       timeout,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		observer:      observer,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.run()
	return r
}

// Insert enqueues a trade. When the pending batch reaches the batch
// size the flusher is woken immediately.
func (r *TradesRepo) Insert(_ context.Context, trade models.Trade) error {
	if trade.ReceivedAt.IsZero() {
		trade.ReceivedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.batch = append(r.batch, trade)
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *TradesRepo) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if err := r.Flush(context.Background()); err != nil {
			log.Error().Err(err).Msg("trade flush failed, batch retained")
		}
	}
}

// Flush drains the pending batch into one transaction. The batch
// mutex is held only for the list swap, never across DB I/O.
func (r *TradesRepo) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.batch) == 0 {
		r.mu.Unlock()
		return nil
	}
	toFlush := r.batch
	r.batch = nil
	r.mu.Unlock()

	if err := r.commitBatch(ctx, toFlush); err != nil {
		// Retain for the next cycle, ahead of newer trades. The
		// backlog is capped so a dead store cannot grow memory
		// without bound.
		r.mu.Lock()
		r.batch = append(toFlush, r.batch...)
		if max := r.batchSize * retainFactor; len(r.batch) > max {
			dropped := len(r.batch) - max
			r.batch = r.batch[dropped:]
			log.Error().
				Int("dropped", dropped).
				Int("retained", max).
				Msg("trade retain buffer full, oldest trades dropped")
		}
		r.mu.Unlock()
		return err
	}
	if r.observer != nil {
		r.observer.TradesFlushed(len(toFlush))
	}
	return nil
}

func (r *TradesRepo) commitBatch(ctx context.Context, trades []models.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, r.db.Rebind(`
		INSERT INTO trades (source, instrument, trade_id, price, size, side, ts, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.Source, t.Instrument, t.TradeID, t.Price, t.Size, t.Side,
			t.Timestamp.UTC(), t.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert trade in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trade batch: %w", err)
	}
	if r.observer != nil {
		r.observer.ObserveWriteLatency("trade_flush", time.Since(start).Seconds())
	}
	return nil
}

// Close stops the flusher and drains any residual batch.
func (r *TradesRepo) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return r.Flush(ctx)
}

// Pending reports the current unflushed batch size.
func (r *TradesRepo) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batch)
}

// ListByInstrument retrieves trades for an instrument within the
// window, ordered by venue timestamp ascending.
func (r *TradesRepo) ListByInstrument(ctx context.Context, instrument string, tr models.TimeRange, limit int) ([]models.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(`
		SELECT id, source, instrument, trade_id, price, size, side, ts, received_at
		FROM trades
		WHERE instrument = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
		LIMIT ?`)

	var trades []models.Trade
	if err := r.db.SelectContext(ctx, &trades, query, instrument, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to query trades by instrument: %w", err)
	}
	return trades, nil
}

// Count returns the number of stored trades in the window.
func (r *TradesRepo) Count(ctx context.Context, tr models.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	query := r.db.Rebind(`SELECT COUNT(*) FROM trades WHERE ts >= ? AND ts <= ?`)
	if err := r.db.QueryRowxContext(ctx, query, tr.From, tr.To).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}
