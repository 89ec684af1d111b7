package venue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// Simulated is a deterministic in-process venue for sandbox runs and
// pipeline tests. Prices walk a small range around 35000 so books and
// trades stay mutually plausible.
type Simulated struct {
	name    string
	symbols []string

	mu  sync.Mutex
	tid int64
}

// NewSimulated builds a simulated venue client.
func NewSimulated(name string, symbols []string) *Simulated {
	if name == "" {
		name = "sim"
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC/USDT"}
	}
	return &Simulated{name: name, symbols: symbols}
}

func init() {
	Register("sim", func(opts Options) (Client, error) {
		return NewSimulated("sim", opts.Symbols), nil
	})
}

func (s *Simulated) Name() string      { return s.name }
func (s *Simulated) Symbols() []string { return s.symbols }

func (s *Simulated) FetchTicker(_ context.Context, symbol string) (models.RawEvent, error) {
	s.mu.Lock()
	mid := 35000.0 + float64(s.tid%50)
	s.mu.Unlock()
	return models.RawEvent{
		"symbol":    symbol,
		"bid":       mid - 0.25,
		"ask":       mid + 0.25,
		"last":      mid,
		"timestamp": time.Now().UnixMilli(),
	}, nil
}

func (s *Simulated) FetchTrades(_ context.Context, symbol string, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	now := time.Now().UnixMilli()
	out := make([]models.RawEvent, 0, limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < limit; i++ {
		s.tid++
		side := "sell"
		if s.tid%2 == 0 {
			side = "buy"
		}
		out = append(out, models.RawEvent{
			"id":        strconv.FormatInt(s.tid, 10),
			"timestamp": now,
			"symbol":    symbol,
			"price":     35000.0 + float64(s.tid%50),
			"amount":    0.01 + float64(i)*0.001,
			"side":      side,
		})
	}
	return out, nil
}

func (s *Simulated) FetchBook(_ context.Context, symbol string, limit int) (models.RawEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	nonce := s.tid
	s.mu.Unlock()

	bids := make([]any, 0, limit)
	asks := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		bids = append(bids, []any{35000.0 - float64(i), 0.1 + float64(i)*0.01})
		asks = append(asks, []any{35000.5 + float64(i), 0.1 + float64(i)*0.01})
	}
	return models.RawEvent{
		"symbol":    symbol,
		"nonce":     nonce,
		"bids":      bids,
		"asks":      asks,
		"timestamp": time.Now().UnixMilli(),
	}, nil
}

func (s *Simulated) LoadMarkets(_ context.Context) (map[string]models.RawEvent, error) {
	markets := make(map[string]models.RawEvent, len(s.symbols))
	for _, sym := range s.symbols {
		markets[sym] = models.RawEvent{"symbol": sym, "active": true}
	}
	return markets, nil
}
