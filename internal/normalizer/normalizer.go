// Package normalizer maps heterogeneous venue payloads to the
// canonical Trade and BookSnapshot schema. All functions are pure.
package normalizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// ErrMalformedPayload marks a raw event missing required fields. The
// poller drops the event and keeps going.
var ErrMalformedPayload = errors.New("malformed payload")

// NormalizeTrade converts a raw venue trade to the canonical record.
// Required fields: instrument (symbol|instrument|pair), price and
// size (amount|qty|size).
func NormalizeTrade(raw models.RawEvent, source string) (models.Trade, error) {
	instrument, ok := raw.FirstString("symbol", "instrument", "pair")
	if !ok {
		return models.Trade{}, fmt.Errorf("%w: trade missing instrument", ErrMalformedPayload)
	}
	price, ok := raw.FirstFloat("price")
	if !ok {
		return models.Trade{}, fmt.Errorf("%w: trade %s missing price", ErrMalformedPayload, instrument)
	}
	size, ok := raw.FirstFloat("amount", "qty", "size")
	if !ok {
		return models.Trade{}, fmt.Errorf("%w: trade %s missing size", ErrMalformedPayload, instrument)
	}

	trade := models.Trade{
		Source:     source,
		Instrument: instrument,
		Price:      price,
		Size:       size,
		Timestamp:  eventTime(raw),
		ReceivedAt: time.Now().UTC(),
	}
	if id, ok := raw.FirstString("id", "trade_id", "tid"); ok {
		trade.TradeID = &id
	}
	if side, ok := raw.FirstString("side"); ok {
		trade.Side = &side
	}
	return trade, nil
}

// NormalizeBook converts a raw venue order book to the canonical
// snapshot. Zero-size levels are preserved verbatim; the depth state
// machine interprets them as deletes.
func NormalizeBook(raw models.RawEvent, source string) (models.BookSnapshot, error) {
	instrument, ok := raw.FirstString("symbol", "instrument", "pair")
	if !ok {
		return models.BookSnapshot{}, fmt.Errorf("%w: book missing instrument", ErrMalformedPayload)
	}

	snap := models.BookSnapshot{
		Source:     source,
		Instrument: instrument,
		Timestamp:  eventTime(raw),
	}
	if seq, ok := raw.FirstInt("nonce", "sequence", "seq"); ok {
		snap.Sequence = &seq
	}

	var err error
	if snap.Bids, err = levels(raw["bids"]); err != nil {
		return models.BookSnapshot{}, fmt.Errorf("%w: book %s bids: %v", ErrMalformedPayload, instrument, err)
	}
	if snap.Asks, err = levels(raw["asks"]); err != nil {
		return models.BookSnapshot{}, fmt.Errorf("%w: book %s asks: %v", ErrMalformedPayload, instrument, err)
	}
	return snap, nil
}

func eventTime(raw models.RawEvent) time.Time {
	if v, ok := raw["timestamp"]; ok && v != nil {
		return models.CoerceTime(v)
	}
	if v, ok := raw["datetime"]; ok && v != nil {
		return models.CoerceTime(v)
	}
	return time.Now().UTC()
}

// levels accepts [price, size] pairs or {price, size|amount|qty}
// objects, mirroring the shapes ccxt-style clients return.
func levels(v any) ([]models.PriceLevel, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]models.PriceLevel); ok {
			return typed, nil
		}
		if pairs, ok := v.([][]float64); ok {
			out := make([]models.PriceLevel, 0, len(pairs))
			for _, p := range pairs {
				if len(p) < 2 {
					return nil, fmt.Errorf("level needs price and size")
				}
				out = append(out, models.PriceLevel{Price: p[0], Size: p[1]})
			}
			return out, nil
		}
		return nil, fmt.Errorf("unsupported levels shape %T", v)
	}

	out := make([]models.PriceLevel, 0, len(list))
	for _, item := range list {
		switch lvl := item.(type) {
		case []any:
			if len(lvl) < 2 {
				return nil, fmt.Errorf("level needs price and size")
			}
			price, err := floatOf(lvl[0])
			if err != nil {
				return nil, err
			}
			size, err := floatOf(lvl[1])
			if err != nil {
				return nil, err
			}
			out = append(out, models.PriceLevel{Price: price, Size: size})
		case map[string]any:
			obj := models.RawEvent(lvl)
			price, ok := obj.FirstFloat("price")
			if !ok {
				return nil, fmt.Errorf("level object missing price")
			}
			size, ok := obj.FirstFloat("size", "amount", "qty")
			if !ok {
				return nil, fmt.Errorf("level object missing size")
			}
			out = append(out, models.PriceLevel{Price: price, Size: size})
		default:
			return nil, fmt.Errorf("unsupported level shape %T", item)
		}
	}
	return out, nil
}

func floatOf(v any) (float64, error) {
	f, ok := models.RawEvent{"v": v}.FirstFloat("v")
	if !ok {
		return 0, fmt.Errorf("not numeric: %T", v)
	}
	return f, nil
}
