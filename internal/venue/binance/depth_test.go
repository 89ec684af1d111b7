package binance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

func i64(v int64) *int64 { return &v }

func fixedFetcher(calls *int) SnapshotFetcher {
	return func(_ context.Context, _ string) (Snapshot, error) {
		*calls++
		return Snapshot{
			LastUpdateID: 100,
			Bids:         []models.PriceLevel{{Price: 35000, Size: 1}},
			Asks:         []models.PriceLevel{{Price: 35010, Size: 1}},
		}, nil
	}
}

func TestApplyDelta_StaleThenContiguousThenGap(t *testing.T) {
	calls := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), nil)
	ctx := context.Background()

	// Stale delta forces the initial snapshot, then drops.
	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(90), Last: i64(95),
		Bids: []models.PriceLevel{{Price: 34999, Size: 0.5}},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, calls)

	// Contiguous delta applies and advances the sequence.
	applied, err = tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(101), Last: i64(101),
		Bids: []models.PriceLevel{{Price: 35001, Size: 0.3}},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	book := tracker.Book("BTC/USDT")
	require.NotNil(t, book.Sequence)
	assert.Equal(t, int64(101), *book.Sequence)
	assert.Equal(t, []models.PriceLevel{{Price: 35001, Size: 0.3}, {Price: 35000, Size: 1}}, book.Bids)

	// Gap resyncs and rejects.
	applied, err = tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(200), Last: i64(200),
		Bids: []models.PriceLevel{{Price: 35002, Size: 0.2}},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, calls)

	// After resync the book matches the snapshot again.
	book = tracker.Book("BTC/USDT")
	require.NotNil(t, book.Sequence)
	assert.Equal(t, int64(100), *book.Sequence)
	assert.Equal(t, []models.PriceLevel{{Price: 35000, Size: 1}}, book.Bids)
}

func TestApplyDelta_EnvelopeAfterSnapshot(t *testing.T) {
	calls := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), nil)
	ctx := context.Background()

	// First delta straddles the snapshot: U <= last+1 <= u.
	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(95), Last: i64(105),
		Asks: []models.PriceLevel{{Price: 35011, Size: 2}},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, calls)

	book := tracker.Book("BTC/USDT")
	assert.Equal(t, int64(105), *book.Sequence)
}

func TestApplyDelta_MissingSequenceResyncs(t *testing.T) {
	calls := 0
	resyncs := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), func(string) { resyncs++ })
	ctx := context.Background()

	require.NoError(t, tracker.FetchSnapshot(ctx, "BTC/USDT"))

	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		Bids: []models.PriceLevel{{Price: 34990, Size: 1}},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, resyncs)
}

func TestApplyDelta_ZeroSizeDeletesLevel(t *testing.T) {
	calls := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), nil)
	ctx := context.Background()

	require.NoError(t, tracker.FetchSnapshot(ctx, "BTC/USDT"))

	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(101), Last: i64(101),
		Bids: []models.PriceLevel{{Price: 35000, Size: 0}},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	book := tracker.Book("BTC/USDT")
	assert.Empty(t, book.Bids)
	assert.Equal(t, []models.PriceLevel{{Price: 35010, Size: 1}}, book.Asks)
}

func TestApplyDelta_CrossedBookForcesResync(t *testing.T) {
	calls := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), nil)
	ctx := context.Background()

	require.NoError(t, tracker.FetchSnapshot(ctx, "BTC/USDT"))

	// Bid through the best ask.
	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(101), Last: i64(101),
		Bids: []models.PriceLevel{{Price: 35010, Size: 0.5}},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, calls)
}

func TestDeltaFromRaw(t *testing.T) {
	raw := models.RawEvent{
		"U": int64(10),
		"u": int64(12),
		"b": []any{[]any{"35000.10", "0.5"}},
		"a": []any{[]any{35001.0, 0.0}},
	}

	delta, err := DeltaFromRaw(raw)
	require.NoError(t, err)
	require.NotNil(t, delta.First)
	require.NotNil(t, delta.Last)
	assert.Equal(t, int64(10), *delta.First)
	assert.Equal(t, int64(12), *delta.Last)
	assert.Equal(t, []models.PriceLevel{{Price: 35000.10, Size: 0.5}}, delta.Bids)
	assert.Equal(t, []models.PriceLevel{{Price: 35001.0, Size: 0.0}}, delta.Asks)
}

func TestBook_IndependentSymbols(t *testing.T) {
	calls := 0
	tracker := NewDepthTracker("binance_spot", fixedFetcher(&calls), nil)
	ctx := context.Background()

	require.NoError(t, tracker.FetchSnapshot(ctx, "BTC/USDT"))
	require.NoError(t, tracker.FetchSnapshot(ctx, "ETH/USDT"))

	applied, err := tracker.ApplyDelta(ctx, "BTC/USDT", Delta{
		First: i64(101), Last: i64(101),
		Bids: []models.PriceLevel{{Price: 34000, Size: 3}},
	})
	require.NoError(t, err)
	require.True(t, applied)

	eth := tracker.Book("ETH/USDT")
	assert.Equal(t, []models.PriceLevel{{Price: 35000, Size: 1}}, eth.Bids)
}
