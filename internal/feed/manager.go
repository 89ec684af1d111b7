// Package feed owns the poller set and the ingest paths routing
// normalized events into storage, the hot cache and the fan-out
// publisher.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/normalizer"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

// skewTolerance bounds how far a venue-reported timestamp may sit in
// the future of our ingest clock before we log it.
const skewTolerance = 5 * time.Second

// Metrics receives ingest-side measurements. The registry implements
// it; nil disables reporting.
type Metrics interface {
	MessageReceived(eventType string)
}

// Config tunes the per-stream poll cadence.
type Config struct {
	TickerInterval time.Duration `yaml:"ticker_interval"`
	TradesInterval time.Duration `yaml:"trades_interval"`
	BooksInterval  time.Duration `yaml:"books_interval"`
	TradeLimit     int           `yaml:"trade_limit"`
	BookLimit      int           `yaml:"book_limit"`
}

// DefaultConfig returns the standard poll cadence: trades every 2s,
// books every 5s, ticker every REFRESH_INTERVAL (5s default).
func DefaultConfig() Config {
	return Config{
		TickerInterval: 5 * time.Second,
		TradesInterval: 2 * time.Second,
		BooksInterval:  5 * time.Second,
		TradeLimit:     50,
		BookLimit:      20,
	}
}

// Manager launches one poller per (venue, symbol, stream) and routes
// everything they fetch through the ingest paths. A failing stream
// backs off alone; it never delays other pollers.
type Manager struct {
	repo    *persistence.Repository
	books   cache.Books
	pub     *publisher.Publisher
	metrics Metrics
	cfg     Config

	mu      sync.Mutex
	clients []venue.Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager wires the ingest fan-in. books and metrics may be nil.
func NewManager(repo *persistence.Repository, books cache.Books, pub *publisher.Publisher, metrics Metrics, cfg Config) *Manager {
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = 5 * time.Second
	}
	if cfg.TradesInterval <= 0 {
		cfg.TradesInterval = 2 * time.Second
	}
	if cfg.BooksInterval <= 0 {
		cfg.BooksInterval = 5 * time.Second
	}
	return &Manager{repo: repo, books: books, pub: pub, metrics: metrics, cfg: cfg}
}

// Register adds a venue client before StartAll.
func (m *Manager) Register(client venue.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, client)
}

// StartAll launches ticker, trades and book pollers for every
// registered venue × symbol.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("feed manager already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, client := range m.clients {
		for _, symbol := range client.Symbols() {
			m.launch(ctx, client, symbol, "ticker", m.cfg.TickerInterval, m.tickerFetch(client, symbol))
			m.launch(ctx, client, symbol, "trades", m.cfg.TradesInterval, m.tradesFetch(client, symbol))
			m.launch(ctx, client, symbol, "book", m.cfg.BooksInterval, m.bookFetch(client, symbol))
		}
	}
	log.Info().Int("venues", len(m.clients)).Msg("feed pollers started")
	return nil
}

// StopAll cancels every poller, awaits completion and shuts the
// repository down (final flush).
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if m.repo != nil {
		return m.repo.Shutdown(ctx)
	}
	return nil
}

func (m *Manager) launch(ctx context.Context, client venue.Client, symbol, stream string, interval time.Duration, fetch func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx, client.Name(), symbol, stream, interval, fetch)
	}()
}

// pollLoop is one cooperative task. It fetches, ingests, then sleeps
// for the poll interval; failures switch the sleep to the adaptive
// backoff schedule.
func (m *Manager) pollLoop(ctx context.Context, source, symbol, stream string, interval time.Duration, fetch func(context.Context) error) {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		delay := interval
		if err := fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = bo.Next(venue.Throttled(err))
			evt := log.Error()
			if bo.Failures() == 1 {
				evt = log.Warn()
			}
			evt.Err(err).
				Str("venue", source).
				Str("symbol", symbol).
				Str("stream", stream).
				Int("failures", bo.Failures()).
				Dur("backoff", delay).
				Msg("poll failed")
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) tickerFetch(client venue.Client, symbol string) func(context.Context) error {
	return func(ctx context.Context) error {
		raw, err := client.FetchTicker(ctx, symbol)
		if err != nil {
			return err
		}
		return m.ingestTicker(raw, client.Name())
	}
}

func (m *Manager) tradesFetch(client venue.Client, symbol string) func(context.Context) error {
	return func(ctx context.Context) error {
		trades, err := client.FetchTrades(ctx, symbol, m.cfg.TradeLimit)
		if err != nil {
			return err
		}
		for _, raw := range trades {
			if err := m.IngestTrade(ctx, raw, client.Name()); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Manager) bookFetch(client venue.Client, symbol string) func(context.Context) error {
	return func(ctx context.Context) error {
		raw, err := client.FetchBook(ctx, symbol, m.cfg.BookLimit)
		if err != nil {
			return err
		}
		return m.IngestBook(ctx, raw, client.Name())
	}
}

// IngestTrade normalizes a raw trade, persists it and fans it out.
// Malformed payloads are dropped with a log line and do not poison
// the poller.
func (m *Manager) IngestTrade(ctx context.Context, raw models.RawEvent, source string) error {
	trade, err := normalizer.NormalizeTrade(raw, source)
	if err != nil {
		log.Warn().Err(err).Str("venue", source).Msg("dropping malformed trade")
		return nil
	}
	if trade.ReceivedAt.Add(skewTolerance).Before(trade.Timestamp) {
		log.Warn().
			Str("venue", source).
			Str("instrument", trade.Instrument).
			Time("ts", trade.Timestamp).
			Time("received_at", trade.ReceivedAt).
			Msg("trade timestamp ahead of ingest clock")
	}
	if err := m.repo.Trades.Insert(ctx, trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	if m.metrics != nil {
		m.metrics.MessageReceived("trade")
	}
	if m.pub != nil {
		m.pub.Publish(publisher.Event{Instrument: trade.Instrument, Data: trade})
	}
	return nil
}

// IngestBook normalizes a raw book, upserts it, refreshes the hot
// cache (best-effort) and fans it out. Crossed books are dropped.
func (m *Manager) IngestBook(ctx context.Context, raw models.RawEvent, source string) error {
	snap, err := normalizer.NormalizeBook(raw, source)
	if err != nil {
		log.Warn().Err(err).Str("venue", source).Msg("dropping malformed book")
		return nil
	}
	return m.IngestSnapshot(ctx, snap)
}

// IngestSnapshot persists and fans out an already-normalized book.
// Live depth streams feed this directly.
func (m *Manager) IngestSnapshot(ctx context.Context, snap models.BookSnapshot) error {
	source := snap.Source
	if snap.Crossed() {
		log.Warn().
			Str("venue", source).
			Str("instrument", snap.Instrument).
			Msg("dropping crossed book snapshot")
		return nil
	}
	if err := m.repo.Snapshots.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if m.books != nil {
		m.books.SetSnapshot(ctx, snap)
	}
	if m.metrics != nil {
		m.metrics.MessageReceived("book")
	}
	if m.pub != nil {
		m.pub.Publish(publisher.Event{Instrument: snap.Instrument, Data: snap})
	}
	return nil
}

// ingestTicker publishes a lightweight quote; tickers are not
// persisted.
func (m *Manager) ingestTicker(raw models.RawEvent, source string) error {
	instrument, ok := raw.FirstString("symbol", "instrument", "pair")
	if !ok {
		log.Warn().Str("venue", source).Msg("dropping malformed ticker")
		return nil
	}
	tick := models.Ticker{
		Source:     source,
		Instrument: instrument,
		Timestamp:  models.CoerceTime(raw["timestamp"]),
	}
	tick.Bid, _ = raw.FirstFloat("bid")
	tick.Ask, _ = raw.FirstFloat("ask")
	tick.Last, _ = raw.FirstFloat("last")
	if m.metrics != nil {
		m.metrics.MessageReceived("ticker")
	}
	if m.pub != nil {
		m.pub.Publish(publisher.Event{Instrument: instrument, Data: tick})
	}
	return nil
}
