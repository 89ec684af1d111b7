package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawEvent is an untyped venue payload as returned by a venue client.
// Field names vary per venue; use the First* helpers to probe the
// common aliases.
type RawEvent map[string]any

// FirstString returns the first present, non-empty key stringified.
func (r RawEvent) FirstString(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case json.Number:
			return t.String(), true
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case int:
			return strconv.Itoa(t), true
		case int64:
			return strconv.FormatInt(t, 10), true
		}
	}
	return "", false
}

// FirstFloat returns the first present key coerced to float64.
func (r RawEvent) FirstFloat(keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if f, err := toFloat(v); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FirstInt returns the first present key coerced to int64.
func (r RawEvent) FirstInt(keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			return int64(t), true
		case int64:
			return t, true
		case float64:
			return int64(t), true
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("not numeric: %T", v)
}

// CoerceTime maps the heterogeneous timestamp shapes venues send to a
// UTC instant. Numeric values above 1e12 are treated as milliseconds
// since epoch, smaller ones as seconds. Strings parse as RFC 3339 with
// a trailing "Z" accepted. Anything else, or nothing, yields now.
func CoerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case int:
		return epochToTime(float64(t))
	case int64:
		return epochToTime(float64(t))
	case float64:
		return epochToTime(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochToTime(f)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if ts, err := time.Parse("2006-01-02T15:04:05.999999999", t); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

func epochToTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
