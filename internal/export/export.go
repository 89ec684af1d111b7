// Package export writes trade and book data to CSV and JSON files for
// offline analysis.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/models"
)

// Saver writes export files under a base directory, creating it on
// first use.
type Saver struct {
	baseDir string
}

func NewSaver(baseDir string) (*Saver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir %s: %w", baseDir, err)
	}
	return &Saver{baseDir: baseDir}, nil
}

var tradeHeader = []string{"source", "instrument", "trade_id", "price", "size", "side", "timestamp"}

// SaveTradesCSV writes trades to <name>.csv and returns the path.
func (s *Saver) SaveTradesCSV(trades []models.Trade, name string) (string, error) {
	if len(trades) == 0 {
		return "", fmt.Errorf("no trades to export")
	}
	path := filepath.Join(s.baseDir, name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tradeHeader); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			t.Source,
			t.Instrument,
			deref(t.TradeID),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			strconv.FormatFloat(t.Size, 'f', -1, 64),
			deref(t.Side),
			t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return path, nil
}

// SaveJSON writes any value to <name>.json, indented, and returns the
// path.
func (s *Saver) SaveJSON(data any, name string) (string, error) {
	path := filepath.Join(s.baseDir, name+".json")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return path, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
