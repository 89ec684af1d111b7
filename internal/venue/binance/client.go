package binance

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

// flavor selects one of the Binance API families. They share response
// shapes but live on different hosts and path prefixes.
type flavor struct {
	baseURL    string
	testnetURL string
	prefix     string
	perp       bool
}

var flavors = map[string]flavor{
	"binance_spot": {
		baseURL:    "https://api.binance.com",
		testnetURL: "https://testnet.binance.vision",
		prefix:     "/api/v3",
	},
	"binance_usdm": {
		baseURL:    "https://fapi.binance.com",
		testnetURL: "https://testnet.binancefuture.com",
		prefix:     "/fapi/v1",
	},
	"binance_coinm": {
		baseURL:    "https://dapi.binance.com",
		testnetURL: "https://testnet.binancefuture.com",
		prefix:     "/dapi/v1",
		perp:       true,
	},
}

func init() {
	for name := range flavors {
		name := name
		venue.Register(name, func(opts venue.Options) (venue.Client, error) {
			fl := flavors[name]
			base := fl.baseURL
			if opts.Sandbox && fl.testnetURL != "" {
				base = fl.testnetURL
			}
			return venue.Guard(NewClient(name, base, fl.prefix, fl.perp, opts.Symbols), venue.DefaultGuardConfig()), nil
		})
	}
}

// Client is a REST client for the Binance market data API.
type Client struct {
	name    string
	baseURL string
	prefix  string
	perp    bool
	symbols []string
	http    *http.Client
}

// NewClient builds an unguarded client. Production construction goes
// through the venue registry, which adds the rate limiter and circuit
// breaker.
func NewClient(name, baseURL, prefix string, perp bool, symbols []string) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		prefix:  prefix,
		perp:    perp,
		symbols: symbols,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string      { return c.name }
func (c *Client) Symbols() []string { return c.symbols }

// convertSymbol maps the canonical "BTC/USDT" form to Binance's
// "BTCUSDT" (or "BTCUSD_PERP" for coin-margined contracts).
func (c *Client) convertSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if c.perp {
		s += "_PERP"
	}
	return s
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type tradeResponse struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.RawEvent, error) {
	var resp bookTickerResponse
	query := url.Values{"symbol": {c.convertSymbol(symbol)}}
	if err := c.get(ctx, "fetch_ticker", "/ticker/bookTicker", query, &resp); err != nil {
		return nil, err
	}

	bid, _ := strconv.ParseFloat(resp.BidPrice, 64)
	ask, _ := strconv.ParseFloat(resp.AskPrice, 64)
	return models.RawEvent{
		"symbol":    symbol,
		"bid":       bid,
		"ask":       ask,
		"timestamp": time.Now().UTC().UnixMilli(),
	}, nil
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.RawEvent, error) {
	var resp []tradeResponse
	query := url.Values{
		"symbol": {c.convertSymbol(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "fetch_trades", "/trades", query, &resp); err != nil {
		return nil, err
	}

	out := make([]models.RawEvent, 0, len(resp))
	for _, t := range resp {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(t.Qty, 64)
		if err != nil {
			continue
		}
		side := "buy"
		if t.IsBuyerMaker {
			// The maker was the buyer, so the aggressor sold.
			side = "sell"
		}
		out = append(out, models.RawEvent{
			"id":        strconv.FormatInt(t.ID, 10),
			"symbol":    symbol,
			"price":     price,
			"amount":    qty,
			"side":      side,
			"timestamp": t.Time,
		})
	}
	return out, nil
}

func (c *Client) FetchBook(ctx context.Context, symbol string, limit int) (models.RawEvent, error) {
	var resp depthResponse
	query := url.Values{
		"symbol": {c.convertSymbol(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "fetch_book", "/depth", query, &resp); err != nil {
		return nil, err
	}

	return models.RawEvent{
		"symbol":    symbol,
		"nonce":     resp.LastUpdateID,
		"bids":      convertLevels(resp.Bids),
		"asks":      convertLevels(resp.Asks),
		"timestamp": time.Now().UTC().UnixMilli(),
	}, nil
}

// FetchSnapshot adapts FetchBook to the depth tracker's snapshot
// fetcher contract.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	var resp depthResponse
	query := url.Values{
		"symbol": {c.convertSymbol(symbol)},
		"limit":  {"1000"},
	}
	if err := c.get(ctx, "fetch_snapshot", "/depth", query, &resp); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		LastUpdateID: resp.LastUpdateID,
		Bids:         parseLevels(resp.Bids),
		Asks:         parseLevels(resp.Asks),
	}, nil
}

func (c *Client) LoadMarkets(ctx context.Context) (map[string]models.RawEvent, error) {
	var resp exchangeInfoResponse
	if err := c.get(ctx, "load_markets", "/exchangeInfo", nil, &resp); err != nil {
		return nil, err
	}

	markets := make(map[string]models.RawEvent, len(resp.Symbols))
	for _, s := range resp.Symbols {
		instrument := s.BaseAsset + "/" + s.QuoteAsset
		markets[instrument] = models.RawEvent{
			"symbol": instrument,
			"id":     s.Symbol,
			"active": strings.EqualFold(s.Status, "TRADING"),
		}
	}
	return markets, nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	endpoint := c.baseURL + c.prefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return venue.NewError(c.name, op, venue.KindUnexpected, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return venue.NewError(c.name, op, venue.KindNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return venue.NewError(c.name, op, venue.KindNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return venue.NewError(c.name, op, venue.KindRateLimited,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode >= 500:
		return venue.NewError(c.name, op, venue.KindUnavailable,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	default:
		return venue.NewError(c.name, op, venue.KindExchange,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return venue.NewError(c.name, op, venue.KindExchange,
			fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

// convertLevels produces the wire shape the normalizer consumes.
func convertLevels(raw [][]string) []any {
	out := make([]any, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(level[0], 64)
		size, err2 := strconv.ParseFloat(level[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, []any{price, size})
	}
	return out
}

func parseLevels(raw [][]string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(level[0], 64)
		size, err2 := strconv.ParseFloat(level[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
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
