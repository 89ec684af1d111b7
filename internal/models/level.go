package models

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the level as [price, size].
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Size})
}

// UnmarshalJSON accepts both the [price, size] array form and the
// {"price": ..., "size"|"amount"|"qty": ...} object form that some
// venues send.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var arr []json.Number
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) < 2 {
			return fmt.Errorf("price level: want 2 elements, got %d", len(arr))
		}
		p, err := arr[0].Float64()
		if err != nil {
			return fmt.Errorf("price level price: %w", err)
		}
		q, err := arr[1].Float64()
		if err != nil {
			return fmt.Errorf("price level size: %w", err)
		}
		l.Price, l.Size = p, q
		return nil
	}

	var obj map[string]json.Number
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("price level: unsupported shape: %w", err)
	}
	p, err := obj["price"].Float64()
	if err != nil {
		return fmt.Errorf("price level price: %w", err)
	}
	size, ok := obj["size"]
	if !ok {
		if size, ok = obj["amount"]; !ok {
			size, ok = obj["qty"]
		}
	}
	if !ok {
		return fmt.Errorf("price level: missing size")
	}
	q, err := size.Float64()
	if err != nil {
		return fmt.Errorf("price level size: %w", err)
	}
	l.Price, l.Size = p, q
	return nil
}
