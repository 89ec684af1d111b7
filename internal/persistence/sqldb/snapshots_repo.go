package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

// SnapshotsRepo upserts book snapshots keyed by (source, instrument).
// Writes are not batched: the freshest snapshot per instrument must
// always be queryable, and batching would invert the version order
// under contention.
type SnapshotsRepo struct {
	db       *sqlx.DB
	timeout  time.Duration
	observer persistence.WriteObserver
}

// NewSnapshotsRepo creates a snapshot repository.
func NewSnapshotsRepo(db *sqlx.DB, timeout time.Duration, observer persistence.WriteObserver) *SnapshotsRepo {
	return &SnapshotsRepo{db: db, timeout: timeout, observer: observer}
}

type snapshotRow struct {
	ID         int64          `db:"id"`
	Source     string         `db:"source"`
	Instrument string         `db:"instrument"`
	Sequence   sql.NullInt64  `db:"sequence"`
	Bids       []byte         `db:"bids"`
	Asks       []byte         `db:"asks"`
	Timestamp  time.Time      `db:"ts"`
}

func (row *snapshotRow) toModel() (models.BookSnapshot, error) {
	snap := models.BookSnapshot{
		ID:         row.ID,
		Source:     row.Source,
		Instrument: row.Instrument,
		Timestamp:  row.Timestamp.UTC(),
	}
	if row.Sequence.Valid {
		seq := row.Sequence.Int64
		snap.Sequence = &seq
	}
	if len(row.Bids) > 0 {
		if err := json.Unmarshal(row.Bids, &snap.Bids); err != nil {
			return snap, fmt.Errorf("failed to unmarshal bids: %w", err)
		}
	}
	if len(row.Asks) > 0 {
		if err := json.Unmarshal(row.Asks, &snap.Asks); err != nil {
			return snap, fmt.Errorf("failed to unmarshal asks: %w", err)
		}
	}
	return snap, nil
}

// Upsert replaces the stored snapshot for its (source, instrument),
// inserting the row on first sight. Last write wins regardless of
// sequence.
func (r *SnapshotsRepo) Upsert(ctx context.Context, snap models.BookSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("failed to marshal bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("failed to marshal asks: %w", err)
	}

	start := time.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	query := r.db.Rebind(`SELECT id FROM orderbook_snapshots WHERE source = ? AND instrument = ?`)
	err = tx.QueryRowxContext(ctx, query, snap.Source, snap.Instrument).Scan(&id)
	switch {
	case err == nil:
		update := r.db.Rebind(`
			UPDATE orderbook_snapshots
			SET sequence = ?, bids = ?, asks = ?, ts = ?
			WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, update, snap.Sequence, bids, asks, snap.Timestamp.UTC(), id); err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		insert := r.db.Rebind(`
			INSERT INTO orderbook_snapshots (source, instrument, sequence, bids, asks, ts)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, insert, snap.Source, snap.Instrument, snap.Sequence, bids, asks, snap.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	default:
		return fmt.Errorf("failed to query snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot upsert: %w", err)
	}
	if r.observer != nil {
		r.observer.ObserveWriteLatency("snapshot_upsert", time.Since(start).Seconds())
	}
	return nil
}

// Get returns the stored snapshot for an exact key, or nil.
func (r *SnapshotsRepo) Get(ctx context.Context, source, instrument string) (*models.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row snapshotRow
	query := r.db.Rebind(`
		SELECT id, source, instrument, sequence, bids, asks, ts
		FROM orderbook_snapshots
		WHERE source = ? AND instrument = ?`)
	if err := r.db.GetContext(ctx, &row, query, source, instrument); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Latest returns the most recently written snapshot for an instrument
// across sources, or nil.
func (r *SnapshotsRepo) Latest(ctx context.Context, instrument string) (*models.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row snapshotRow
	query := r.db.Rebind(`
		SELECT id, source, instrument, sequence, bids, asks, ts
		FROM orderbook_snapshots
		WHERE instrument = ?
		ORDER BY ts DESC
		LIMIT 1`)
	if err := r.db.GetContext(ctx, &row, query, instrument); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	snap, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListByInstrument retrieves snapshots for an instrument within the
// window, ordered by timestamp ascending.
func (r *SnapshotsRepo) ListByInstrument(ctx context.Context, instrument string, tr models.TimeRange) ([]models.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(`
		SELECT id, source, instrument, sequence, bids, asks, ts
		FROM orderbook_snapshots
		WHERE instrument = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`)

	var rows []snapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, instrument, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	out := make([]models.BookSnapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
