package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

type memTrades struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (r *memTrades) Insert(_ context.Context, trade models.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
	return nil
}

func (r *memTrades) ListByInstrument(_ context.Context, instrument string, tr models.TimeRange, limit int) ([]models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Trade
	for _, t := range r.trades {
		if t.Instrument == instrument && tr.Contains(t.Timestamp) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memTrades) Count(_ context.Context, _ models.TimeRange) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.trades)), nil
}

func (r *memTrades) all() []models.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]models.BookSnapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]models.BookSnapshot)}
}

func (r *memSnapshots) key(source, instrument string) string { return source + "|" + instrument }

func (r *memSnapshots) Upsert(_ context.Context, snap models.BookSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[r.key(snap.Source, snap.Instrument)] = snap
	return nil
}

func (r *memSnapshots) Get(_ context.Context, source, instrument string) (*models.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[r.key(source, instrument)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (r *memSnapshots) Latest(_ context.Context, instrument string) (*models.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.BookSnapshot
	for _, snap := range r.snaps {
		if snap.Instrument != instrument {
			continue
		}
		s := snap
		if latest == nil || s.Timestamp.After(latest.Timestamp) {
			latest = &s
		}
	}
	return latest, nil
}

func (r *memSnapshots) ListByInstrument(_ context.Context, instrument string, tr models.TimeRange) ([]models.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BookSnapshot
	for _, snap := range r.snaps {
		if snap.Instrument == instrument && tr.Contains(snap.Timestamp) {
			out = append(out, snap)
		}
	}
	return out, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) MessageReceived(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[eventType]++
}

func (m *countingMetrics) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[eventType]
}

func newTestManager(cfg Config) (*Manager, *memTrades, *memSnapshots, *cache.MemoryBooks, *countingMetrics) {
	trades := &memTrades{}
	snaps := newMemSnapshots()
	books := cache.NewMemory()
	metrics := &countingMetrics{}
	repo := &persistence.Repository{Trades: trades, Snapshots: snaps}
	mgr := NewManager(repo, books, nil, metrics, cfg)
	return mgr, trades, snaps, books, metrics
}

func TestIngestTrade_PersistsAndCounts(t *testing.T) {
	mgr, trades, _, _, metrics := newTestManager(DefaultConfig())

	raw := models.RawEvent{
		"id":        "12345",
		"timestamp": int64(1609459200000),
		"symbol":    "BTC/USDT",
		"price":     34000.5,
		"amount":    0.01,
		"side":      "buy",
	}
	require.NoError(t, mgr.IngestTrade(context.Background(), raw, "binance_spot"))

	stored := trades.all()
	require.Len(t, stored, 1)
	assert.Equal(t, "binance_spot", stored[0].Source)
	assert.Equal(t, "BTC/USDT", stored[0].Instrument)
	assert.Equal(t, 1, metrics.count("trade"))
}

func TestIngestTrade_MalformedDroppedWithoutError(t *testing.T) {
	mgr, trades, _, _, metrics := newTestManager(DefaultConfig())

	require.NoError(t, mgr.IngestTrade(context.Background(), models.RawEvent{"price": 1.0}, "binance_spot"))
	assert.Empty(t, trades.all())
	assert.Equal(t, 0, metrics.count("trade"))
}

func TestIngestBook_UpsertsCachesAndCounts(t *testing.T) {
	mgr, _, snaps, books, metrics := newTestManager(DefaultConfig())

	raw := models.RawEvent{
		"symbol":    "ETH/USDT",
		"nonce":     int64(7),
		"bids":      []any{[]any{2000.0, 1.5}},
		"asks":      []any{[]any{2000.5, 1.0}},
		"timestamp": int64(1609459200000),
	}
	require.NoError(t, mgr.IngestBook(context.Background(), raw, "deribit"))

	stored, err := snaps.Get(context.Background(), "deribit", "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.Sequence)
	assert.Equal(t, int64(7), *stored.Sequence)

	cached := books.GetSnapshot(context.Background(), "ETH/USDT")
	require.NotNil(t, cached)
	assert.Equal(t, stored.Bids, cached.Bids)
	assert.Equal(t, 1, metrics.count("book"))
}

func TestIngestBook_CrossedDropped(t *testing.T) {
	mgr, _, snaps, _, _ := newTestManager(DefaultConfig())

	raw := models.RawEvent{
		"symbol": "BTC/USDT",
		"bids":   []any{[]any{35010.0, 1.0}},
		"asks":   []any{[]any{35000.0, 1.0}},
	}
	require.NoError(t, mgr.IngestBook(context.Background(), raw, "binance_spot"))

	stored, err := snaps.Get(context.Background(), "binance_spot", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPollers_IngestFromSimulatedVenue(t *testing.T) {
	cfg := Config{
		TickerInterval: 10 * time.Millisecond,
		TradesInterval: 10 * time.Millisecond,
		BooksInterval:  10 * time.Millisecond,
		TradeLimit:     3,
		BookLimit:      3,
	}
	mgr, trades, snaps, _, _ := newTestManager(cfg)
	mgr.Register(venue.NewSimulated("sim", []string{"BTC/USDT"}))

	require.NoError(t, mgr.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		stored, _ := snaps.Get(context.Background(), "sim", "BTC/USDT")
		return len(trades.all()) >= 3 && stored != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.StopAll(context.Background()))
}

type flakyClient struct {
	venue.Client
	mu        sync.Mutex
	tradeErrs int
}

func (c *flakyClient) FetchTrades(_ context.Context, _ string, _ int) ([]models.RawEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradeErrs++
	return nil, venue.NewError("flaky", "fetch_trades", venue.KindNetwork, errors.New("boom"))
}

func TestFailureIsolation_BooksSurviveTradeFailures(t *testing.T) {
	cfg := Config{
		TickerInterval: 10 * time.Millisecond,
		TradesInterval: 10 * time.Millisecond,
		BooksInterval:  10 * time.Millisecond,
	}
	mgr, trades, snaps, _, _ := newTestManager(cfg)
	mgr.Register(&flakyClient{Client: venue.NewSimulated("flaky", []string{"BTC/USDT"})})

	require.NoError(t, mgr.StartAll(context.Background()))

	assert.Eventually(t, func() bool {
		stored, _ := snaps.Get(context.Background(), "flaky", "BTC/USDT")
		return stored != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, trades.all())

	require.NoError(t, mgr.StopAll(context.Background()))
}

func TestPublisherReceivesIngestedEvents(t *testing.T) {
	trades := &memTrades{}
	repo := &persistence.Repository{Trades: trades, Snapshots: newMemSnapshots()}

	pub := publisher.New(16)
	pub.Start()
	defer pub.Stop()

	sub := &captureClient{}
	pub.Register(sub)
	pub.Subscribe(sub, "BTC/USDT")

	mgr := NewManager(repo, nil, pub, nil, DefaultConfig())
	raw := models.RawEvent{
		"symbol": "BTC/USDT",
		"price":  35000.0,
		"size":   0.1,
	}
	require.NoError(t, mgr.IngestTrade(context.Background(), raw, "binance_spot"))

	require.Eventually(t, func() bool { return len(sub.events()) == 1 }, time.Second, 5*time.Millisecond)
	trade, ok := sub.events()[0].(models.Trade)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", trade.Instrument)
}

type captureClient struct {
	mu       sync.Mutex
	received []any
}

func (c *captureClient) Send(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, data)
	return nil
}

func (c *captureClient) events() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.received))
	copy(out, c.received)
	return out
}
