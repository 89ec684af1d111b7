package venue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// GuardConfig tunes the rate limiter and circuit breaker wrapped
// around a venue client.
type GuardConfig struct {
	RPS                 float64
	Burst               int
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultGuardConfig returns conservative per-venue limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RPS:                 5,
		Burst:               10,
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// guarded wraps a Client with a token bucket and a circuit breaker so
// one misbehaving venue cannot hammer its API or stall the pollers.
type guarded struct {
	inner   Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Guard wraps client with rate limiting and circuit breaking.
func Guard(client Client, cfg GuardConfig) Client {
	settings := gobreaker.Settings{
		Name:        client.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue circuit breaker state change")
		},
	}
	return &guarded{
		inner:   client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *guarded) Name() string      { return g.inner.Name() }
func (g *guarded) Symbols() []string { return g.inner.Symbols() }

func (g *guarded) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewError(g.inner.Name(), op, KindNetwork, err)
	}
	out, err := g.breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, NewError(g.inner.Name(), op, KindUnavailable, err)
	}
	return out, err
}

func (g *guarded) FetchTicker(ctx context.Context, symbol string) (models.RawEvent, error) {
	out, err := g.execute(ctx, "fetch_ticker", func() (any, error) {
		return g.inner.FetchTicker(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := out.(models.RawEvent)
	return raw, nil
}

func (g *guarded) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.RawEvent, error) {
	out, err := g.execute(ctx, "fetch_trades", func() (any, error) {
		return g.inner.FetchTrades(ctx, symbol, limit)
	})
	if err != nil {
		return nil, err
	}
	raws, _ := out.([]models.RawEvent)
	return raws, nil
}

func (g *guarded) FetchBook(ctx context.Context, symbol string, limit int) (models.RawEvent, error) {
	out, err := g.execute(ctx, "fetch_book", func() (any, error) {
		return g.inner.FetchBook(ctx, symbol, limit)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := out.(models.RawEvent)
	return raw, nil
}

func (g *guarded) LoadMarkets(ctx context.Context) (map[string]models.RawEvent, error) {
	out, err := g.execute(ctx, "load_markets", func() (any, error) {
		return g.inner.LoadMarkets(ctx)
	})
	if err != nil {
		return nil, err
	}
	markets, _ := out.(map[string]models.RawEvent)
	return markets, nil
}
