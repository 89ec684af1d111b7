package deribit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/normalizer"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, []string{"BTC/USD"})
}

func TestConvertSymbol(t *testing.T) {
	assert.Equal(t, "BTC-PERPETUAL", convertSymbol("BTC/USD"))
	assert.Equal(t, "ETH-PERPETUAL", convertSymbol("eth/usd"))
}

func TestFetchTrades_MapsToNormalizerShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/public/get_last_trades_by_instrument", r.URL.Path)
		assert.Equal(t, "BTC-PERPETUAL", r.URL.Query().Get("instrument_name"))
		assert.Equal(t, "50", r.URL.Query().Get("count"))
		w.Write([]byte(`{"result": {"trades": [
			{"trade_id": "BTC-100", "price": 34000.5, "amount": 10.0, "direction": "buy", "timestamp": 1609459200000},
			{"trade_id": "BTC-101", "price": 34001.0, "amount": 20.0, "direction": "sell", "timestamp": 1609459201000}
		]}}`))
	})

	raws, err := client.FetchTrades(context.Background(), "BTC/USD", 50)
	require.NoError(t, err)
	require.Len(t, raws, 2)

	trade, err := normalizer.NormalizeTrade(raws[0], "deribit")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", trade.Instrument)
	assert.Equal(t, 34000.5, trade.Price)
	assert.Equal(t, 10.0, trade.Size)
	require.NotNil(t, trade.Side)
	assert.Equal(t, "buy", *trade.Side)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), trade.Timestamp)
}

func TestFetchBook_CarriesSequence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/public/get_order_book", r.URL.Path)
		w.Write([]byte(`{"result": {
			"change_id": 42,
			"timestamp": 1609459200000,
			"bids": [[34000.0, 1.5], [33999.0, 2.0]],
			"asks": [[34001.0, 1.0]]
		}}`))
	})

	raw, err := client.FetchBook(context.Background(), "BTC/USD", 20)
	require.NoError(t, err)

	snap, err := normalizer.NormalizeBook(raw, "deribit")
	require.NoError(t, err)
	require.NotNil(t, snap.Sequence)
	assert.Equal(t, int64(42), *snap.Sequence)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, models.PriceLevel{Price: 34000, Size: 1.5}, snap.Bids[0])
}

func TestFetchTicker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/public/ticker", r.URL.Path)
		w.Write([]byte(`{"result": {"best_bid_price": 33999.5, "best_ask_price": 34000.5, "last_price": 34000.0, "timestamp": 1609459200000}}`))
	})

	raw, err := client.FetchTicker(context.Background(), "BTC/USD")
	require.NoError(t, err)

	bid, _ := raw.FirstFloat("bid")
	ask, _ := raw.FirstFloat("ask")
	assert.Equal(t, 33999.5, bid)
	assert.Equal(t, 34000.5, ask)
}

func TestLoadMarkets(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/public/get_instruments", r.URL.Path)
		assert.Equal(t, "BTC", r.URL.Query().Get("currency"))
		w.Write([]byte(`{"result": [
			{"instrument_name": "BTC-PERPETUAL", "base_currency": "BTC", "quote_currency": "USD", "is_active": true},
			{"instrument_name": "BTC-EXPIRED", "base_currency": "BTC", "quote_currency": "USDC", "is_active": false}
		]}`))
	})

	markets, err := client.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Contains(t, markets, "BTC/USD")
	active, _ := markets["BTC/USD"]["active"].(bool)
	assert.True(t, active)
	inactive, _ := markets["BTC/USDC"]["active"].(bool)
	assert.False(t, inactive)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		body func(w http.ResponseWriter)
		kind venue.Kind
	}{
		{
			"http throttled",
			func(w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) },
			venue.KindRateLimited,
		},
		{
			"rpc throttled",
			func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error": {"code": 10028, "message": "too_many_requests"}}`))
			},
			venue.KindRateLimited,
		},
		{
			"server error",
			func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
			venue.KindUnavailable,
		},
		{
			"rpc error",
			func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error": {"code": 11054, "message": "invalid_instrument"}}`))
			},
			venue.KindExchange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				tc.body(w)
			})

			_, err := client.FetchTrades(context.Background(), "BTC/USD", 10)
			require.Error(t, err)
			assert.Equal(t, tc.kind, venue.KindOf(err))
		})
	}
}

func TestRegistryBuildsGuardedClient(t *testing.T) {
	client, err := venue.New("deribit", venue.Options{Symbols: []string{"BTC/USD"}})
	require.NoError(t, err)
	assert.Equal(t, "deribit", client.Name())
}
