// Package deribit implements a venue client for the Deribit public
// market data API (JSON-RPC over HTTP GET).
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

const (
	productionURL = "https://www.deribit.com"
	testnetURL    = "https://test.deribit.com"
	apiPrefix     = "/api/v2"

	// rpcTooManyRequests is Deribit's throttle error code.
	rpcTooManyRequests = 10028
)

func init() {
	venue.Register("deribit", func(opts venue.Options) (venue.Client, error) {
		base := productionURL
		if opts.Sandbox {
			base = testnetURL
		}
		return venue.Guard(NewClient(base, opts.Symbols), venue.DefaultGuardConfig()), nil
	})
}

// Client is a REST client for Deribit's public endpoints.
type Client struct {
	baseURL string
	symbols []string
	http    *http.Client
}

// NewClient builds an unguarded client. Production construction goes
// through the venue registry, which adds the rate limiter and circuit
// breaker.
func NewClient(baseURL string, symbols []string) *Client {
	return &Client{
		baseURL: baseURL,
		symbols: symbols,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string      { return "deribit" }
func (c *Client) Symbols() []string { return c.symbols }

// convertSymbol maps the canonical "BTC/USD" form to Deribit's
// perpetual instrument name "BTC-PERPETUAL".
func convertSymbol(symbol string) string {
	base := symbol
	if i := strings.Index(symbol, "/"); i > 0 {
		base = symbol[:i]
	}
	return strings.ToUpper(base) + "-PERPETUAL"
}

type tickerResult struct {
	BestBidPrice float64 `json:"best_bid_price"`
	BestAskPrice float64 `json:"best_ask_price"`
	LastPrice    float64 `json:"last_price"`
	Timestamp    int64   `json:"timestamp"`
}

type tradesResult struct {
	Trades []struct {
		TradeID   string  `json:"trade_id"`
		Price     float64 `json:"price"`
		Amount    float64 `json:"amount"`
		Direction string  `json:"direction"`
		Timestamp int64   `json:"timestamp"`
	} `json:"trades"`
}

type bookResult struct {
	ChangeID  int64       `json:"change_id"`
	Timestamp int64       `json:"timestamp"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
}

type instrumentResult struct {
	InstrumentName string `json:"instrument_name"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	IsActive       bool   `json:"is_active"`
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.RawEvent, error) {
	var res tickerResult
	query := url.Values{"instrument_name": {convertSymbol(symbol)}}
	if err := c.get(ctx, "fetch_ticker", "/public/ticker", query, &res); err != nil {
		return nil, err
	}
	return models.RawEvent{
		"symbol":    symbol,
		"bid":       res.BestBidPrice,
		"ask":       res.BestAskPrice,
		"last":      res.LastPrice,
		"timestamp": res.Timestamp,
	}, nil
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.RawEvent, error) {
	var res tradesResult
	query := url.Values{
		"instrument_name": {convertSymbol(symbol)},
		"count":           {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "fetch_trades", "/public/get_last_trades_by_instrument", query, &res); err != nil {
		return nil, err
	}

	out := make([]models.RawEvent, 0, len(res.Trades))
	for _, t := range res.Trades {
		out = append(out, models.RawEvent{
			"id":        t.TradeID,
			"symbol":    symbol,
			"price":     t.Price,
			"amount":    t.Amount,
			"side":      t.Direction,
			"timestamp": t.Timestamp,
		})
	}
	return out, nil
}

func (c *Client) FetchBook(ctx context.Context, symbol string, limit int) (models.RawEvent, error) {
	var res bookResult
	query := url.Values{
		"instrument_name": {convertSymbol(symbol)},
		"depth":           {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "fetch_book", "/public/get_order_book", query, &res); err != nil {
		return nil, err
	}
	return models.RawEvent{
		"symbol":    symbol,
		"nonce":     res.ChangeID,
		"bids":      convertLevels(res.Bids),
		"asks":      convertLevels(res.Asks),
		"timestamp": res.Timestamp,
	}, nil
}

func (c *Client) LoadMarkets(ctx context.Context) (map[string]models.RawEvent, error) {
	currencies := make(map[string]struct{})
	for _, symbol := range c.symbols {
		if i := strings.Index(symbol, "/"); i > 0 {
			currencies[strings.ToUpper(symbol[:i])] = struct{}{}
		}
	}
	if len(currencies) == 0 {
		currencies["BTC"] = struct{}{}
	}

	markets := make(map[string]models.RawEvent)
	for currency := range currencies {
		var res []instrumentResult
		query := url.Values{"currency": {currency}, "kind": {"future"}}
		if err := c.get(ctx, "load_markets", "/public/get_instruments", query, &res); err != nil {
			return nil, err
		}
		for _, inst := range res {
			instrument := inst.BaseCurrency + "/" + inst.QuoteCurrency
			markets[instrument] = models.RawEvent{
				"symbol": instrument,
				"id":     inst.InstrumentName,
				"active": inst.IsActive,
			}
		}
	}
	return markets, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	endpoint := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return venue.NewError("deribit", op, venue.KindUnexpected, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return venue.NewError("deribit", op, venue.KindNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return venue.NewError("deribit", op, venue.KindNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return venue.NewError("deribit", op, venue.KindRateLimited,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode >= 500:
		return venue.NewError("deribit", op, venue.KindUnavailable,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return venue.NewError("deribit", op, venue.KindExchange,
			fmt.Errorf("decode %s response: %w", path, err))
	}
	if env.Error != nil {
		kind := venue.KindExchange
		if env.Error.Code == rpcTooManyRequests {
			kind = venue.KindRateLimited
		}
		return venue.NewError("deribit", op, kind,
			fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message))
	}
	if resp.StatusCode != http.StatusOK {
		return venue.NewError("deribit", op, venue.KindExchange,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return venue.NewError("deribit", op, venue.KindExchange,
			fmt.Errorf("decode %s result: %w", path, err))
	}
	return nil
}

// convertLevels produces the wire shape the normalizer consumes.
func convertLevels(raw [][]float64) []any {
	out := make([]any, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		out = append(out, []any{level[0], level[1]})
	}
	return out
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
