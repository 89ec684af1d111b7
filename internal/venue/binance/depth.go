// Package binance maintains incremental order books for venues that
// stream Binance-style sequenced depth deltas keyed by a
// (firstUpdateId, lastUpdateId) pair.
package binance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// Snapshot is a full depth snapshot as served by the venue REST API.
type Snapshot struct {
	LastUpdateID int64
	Bids         []models.PriceLevel
	Asks         []models.PriceLevel
}

// SnapshotFetcher retrieves a fresh snapshot for a symbol. The tracker
// calls it on first use and on every resync.
type SnapshotFetcher func(ctx context.Context, symbol string) (Snapshot, error)

// Delta is one incremental depth update. First and Last are the
// venue's U and u update ids; nil means the venue omitted them.
type Delta struct {
	First *int64
	Last  *int64
	Bids  []models.PriceLevel
	Asks  []models.PriceLevel
}

// DeltaFromRaw reads the Binance diff-depth wire fields (U, u, b, a)
// out of a raw payload.
func DeltaFromRaw(raw models.RawEvent) (Delta, error) {
	var d Delta
	if v, ok := raw.FirstInt("U"); ok {
		d.First = &v
	}
	if v, ok := raw.FirstInt("u"); ok {
		d.Last = &v
	}
	var err error
	if d.Bids, err = rawLevels(raw["b"]); err != nil {
		return Delta{}, fmt.Errorf("delta bids: %w", err)
	}
	if d.Asks, err = rawLevels(raw["a"]); err != nil {
		return Delta{}, fmt.Errorf("delta asks: %w", err)
	}
	return d, nil
}

func rawLevels(v any) ([]models.PriceLevel, error) {
	if v == nil {
		return nil, nil
	}
	if typed, ok := v.([]models.PriceLevel); ok {
		return typed, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unsupported levels shape %T", v)
	}
	out := make([]models.PriceLevel, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and size")
		}
		price, ok := models.RawEvent{"v": pair[0]}.FirstFloat("v")
		if !ok {
			return nil, fmt.Errorf("level price not numeric")
		}
		size, ok := models.RawEvent{"v": pair[1]}.FirstFloat("v")
		if !ok {
			return nil, fmt.Errorf("level size not numeric")
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// bookState is the per-symbol ladder. Prices are the exact parsed
// reals; venues send canonical strings, so no rounding before
// comparison.
type bookState struct {
	mu           sync.Mutex
	lastUpdateID *int64
	bids         map[float64]float64
	asks         map[float64]float64
}

// DepthTracker owns one bookState per symbol. Delta application is
// serialized per symbol; distinct symbols proceed independently.
type DepthTracker struct {
	venue   string
	fetch   SnapshotFetcher
	resync  func(connector string)
	mu      sync.Mutex
	symbols map[string]*bookState
}

// NewDepthTracker builds a tracker for one venue. onResync, if
// non-nil, is invoked once per snapshot re-fetch (it feeds the
// connector restart counter).
func NewDepthTracker(venue string, fetch SnapshotFetcher, onResync func(connector string)) *DepthTracker {
	return &DepthTracker{
		venue:   venue,
		fetch:   fetch,
		resync:  onResync,
		symbols: make(map[string]*bookState),
	}
}

func (t *DepthTracker) state(symbol string) *bookState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.symbols[symbol]
	if !ok {
		s = &bookState{bids: map[float64]float64{}, asks: map[float64]float64{}}
		t.symbols[symbol] = s
	}
	return s
}

// FetchSnapshot discards local state for symbol and reloads it from
// the snapshot fetcher. Safe to call repeatedly.
func (t *DepthTracker) FetchSnapshot(ctx context.Context, symbol string) error {
	s := t.state(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.resyncLocked(ctx, symbol, s)
}

func (t *DepthTracker) resyncLocked(ctx context.Context, symbol string, s *bookState) error {
	snap, err := t.fetch(ctx, symbol)
	if err != nil {
		return fmt.Errorf("depth snapshot %s %s: %w", t.venue, symbol, err)
	}
	s.lastUpdateID = &snap.LastUpdateID
	s.bids = make(map[float64]float64, len(snap.Bids))
	for _, lvl := range snap.Bids {
		s.bids[lvl.Price] = lvl.Size
	}
	s.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Asks {
		s.asks[lvl.Price] = lvl.Size
	}
	if t.resync != nil {
		t.resync(t.venue)
	}
	log.Info().
		Str("venue", t.venue).
		Str("symbol", symbol).
		Int64("sequence", snap.LastUpdateID).
		Msg("depth resync")
	return nil
}

// ApplyDelta folds one sequenced delta into the symbol's book. It
// returns whether the delta was applied. Gaps, missing sequence
// numbers and crossed results trigger a resync and return false.
func (t *DepthTracker) ApplyDelta(ctx context.Context, symbol string, delta Delta) (bool, error) {
	s := t.state(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastUpdateID == nil {
		if err := t.resyncLocked(ctx, symbol, s); err != nil {
			return false, err
		}
		// Deltas wholly before the snapshot are stale.
		if delta.Last != nil && *delta.Last <= *s.lastUpdateID {
			return false, nil
		}
	}

	last := *s.lastUpdateID

	if delta.First == nil || delta.Last == nil {
		log.Warn().
			Str("venue", t.venue).
			Str("symbol", symbol).
			Msg("depth delta missing sequence")
		if err := t.resyncLocked(ctx, symbol, s); err != nil {
			return false, err
		}
		return false, nil
	}

	first, lastID := *delta.First, *delta.Last

	// Contiguous case, plus the envelope case covering the first
	// delta straddling a fresh snapshot.
	if first == last+1 || (first <= last+1 && last+1 <= lastID) {
		applyLevels(s.bids, delta.Bids)
		applyLevels(s.asks, delta.Asks)
		s.lastUpdateID = &lastID
		if crossedLocked(s) {
			log.Warn().
				Str("venue", t.venue).
				Str("symbol", symbol).
				Int64("sequence", lastID).
				Msg("crossed book after delta")
			if err := t.resyncLocked(ctx, symbol, s); err != nil {
				return false, err
			}
			return false, nil
		}
		return true, nil
	}

	log.Warn().
		Str("venue", t.venue).
		Str("symbol", symbol).
		Int64("last", last).
		Int64("U", first).
		Int64("u", lastID).
		Msg("depth sequence gap")
	if err := t.resyncLocked(ctx, symbol, s); err != nil {
		return false, err
	}
	return false, nil
}

// applyLevels sets absolute sizes; zero size deletes the price.
func applyLevels(book map[float64]float64, levels []models.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Size == 0 {
			delete(book, lvl.Price)
		} else {
			book[lvl.Price] = lvl.Size
		}
	}
}

func crossedLocked(s *bookState) bool {
	var bestBid, bestAsk float64
	for p := range s.bids {
		if p > bestBid {
			bestBid = p
		}
	}
	if len(s.asks) == 0 || len(s.bids) == 0 {
		return false
	}
	first := true
	for p := range s.asks {
		if first || p < bestAsk {
			bestAsk = p
			first = false
		}
	}
	return bestBid >= bestAsk
}

// Book emits a sorted copy of the current ladder for symbol: bids
// descending, asks ascending.
func (t *DepthTracker) Book(symbol string) models.BookSnapshot {
	s := t.state(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.BookSnapshot{
		Source:     t.venue,
		Instrument: symbol,
		Bids:       sortedLevels(s.bids, true),
		Asks:       sortedLevels(s.asks, false),
	}
	if s.lastUpdateID != nil {
		seq := *s.lastUpdateID
		snap.Sequence = &seq
	}
	return snap
}

func sortedLevels(book map[float64]float64, descending bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(book))
	for p, q := range book {
		out = append(out, models.PriceLevel{Price: p, Size: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
