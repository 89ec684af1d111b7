package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

func testSnapshot() models.BookSnapshot {
	seq := int64(10)
	return models.BookSnapshot{
		Source:     "binance_spot",
		Instrument: "BTC/USDT",
		Sequence:   &seq,
		Bids:       []models.PriceLevel{{Price: 35000, Size: 1}},
		Asks:       []models.PriceLevel{{Price: 35010, Size: 1}},
		Timestamp:  time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisBooks_SetAndGet(t *testing.T) {
	client, mock := redismock.NewClientMock()
	books := NewRedisBooks(client, 0)
	snap := testSnapshot()

	payload, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet("book:BTC/USDT", payload, 0).SetVal("OK")
	books.SetSnapshot(context.Background(), snap)

	mock.ExpectGet("book:BTC/USDT").SetVal(string(payload))
	got := books.GetSnapshot(context.Background(), "BTC/USDT")
	require.NotNil(t, got)
	assert.Equal(t, snap.Instrument, got.Instrument)
	assert.Equal(t, snap.Bids, got.Bids)
	require.NotNil(t, got.Sequence)
	assert.Equal(t, int64(10), *got.Sequence)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBooks_MissReturnsNil(t *testing.T) {
	client, mock := redismock.NewClientMock()
	books := NewRedisBooks(client, 0)

	mock.ExpectGet("book:ETH/USDT").RedisNil()
	assert.Nil(t, books.GetSnapshot(context.Background(), "ETH/USDT"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBooks_FailuresAreSwallowed(t *testing.T) {
	client, mock := redismock.NewClientMock()
	books := NewRedisBooks(client, 0)
	snap := testSnapshot()

	payload, _ := json.Marshal(snap)
	mock.ExpectSet("book:BTC/USDT", payload, 0).SetErr(errors.New("connection refused"))
	books.SetSnapshot(context.Background(), snap)

	mock.ExpectGet("book:BTC/USDT").SetErr(errors.New("connection refused"))
	assert.Nil(t, books.GetSnapshot(context.Background(), "BTC/USDT"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryBooks_LatestWins(t *testing.T) {
	books := NewMemory()
	ctx := context.Background()

	first := testSnapshot()
	books.SetSnapshot(ctx, first)

	second := testSnapshot()
	seq := int64(11)
	second.Sequence = &seq
	books.SetSnapshot(ctx, second)

	got := books.GetSnapshot(ctx, "BTC/USDT")
	require.NotNil(t, got)
	assert.Equal(t, int64(11), *got.Sequence)

	assert.Nil(t, books.GetSnapshot(ctx, "ETH/USDT"))
}
