package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusfeed/nexusfeed/internal/export"
	"github.com/nexusfeed/nexusfeed/internal/infrastructure/db"
	"github.com/nexusfeed/nexusfeed/internal/models"
)

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Export stored trades and books to CSV or JSON files",
		RunE:  runDump,
	}
	cmd.Flags().String("instrument", "", "Instrument to export, e.g. BTC/USDT (required)")
	cmd.Flags().String("from", "", "Window start (RFC3339, default 24h ago)")
	cmd.Flags().String("to", "", "Window end (RFC3339, default now)")
	cmd.Flags().String("format", "csv", "Trade output format (csv|json)")
	cmd.Flags().String("out", "data/raw", "Output directory")
	cmd.Flags().Int("limit", 10000, "Maximum trades to export")
	cmd.Flags().Bool("book", false, "Also export the latest book snapshot as JSON")
	_ = cmd.MarkFlagRequired("instrument")
	return cmd
}

func runDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	instrument, _ := cmd.Flags().GetString("instrument")
	format, _ := cmd.Flags().GetString("format")
	outDir, _ := cmd.Flags().GetString("out")
	limit, _ := cmd.Flags().GetInt("limit")
	withBook, _ := cmd.Flags().GetBool("book")

	window, err := dumpWindow(cmd)
	if err != nil {
		return err
	}

	manager, err := db.NewManager(cfg.Database, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer manager.Close(ctx)

	trades, err := manager.Repository().Trades.ListByInstrument(ctx, instrument, window, limit)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	if len(trades) == 0 {
		log.Warn().Str("instrument", instrument).Msg("no trades in window")
	}

	saver, err := export.NewSaver(outDir)
	if err != nil {
		return err
	}

	base := fileBase(instrument, window)
	if len(trades) > 0 {
		var path string
		switch format {
		case "csv":
			path, err = saver.SaveTradesCSV(trades, base+"_trades")
		case "json":
			path, err = saver.SaveJSON(trades, base+"_trades")
		default:
			return fmt.Errorf("unsupported format: %s", format)
		}
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Int("trades", len(trades)).Msg("trades exported")
	}

	if withBook {
		snap, err := manager.Repository().Snapshots.Latest(ctx, instrument)
		if err != nil {
			return fmt.Errorf("load book: %w", err)
		}
		if snap == nil {
			log.Warn().Str("instrument", instrument).Msg("no book snapshot recorded")
			return nil
		}
		path, err := saver.SaveJSON(snap, base+"_book")
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("book exported")
	}
	return nil
}

func dumpWindow(cmd *cobra.Command) (models.TimeRange, error) {
	now := time.Now().UTC()
	window := models.TimeRange{From: now.Add(-24 * time.Hour), To: now}

	if raw, _ := cmd.Flags().GetString("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("invalid --from: %w", err)
		}
		window.From = ts
	}
	if raw, _ := cmd.Flags().GetString("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		window.To = ts
	}
	if window.To.Before(window.From) {
		return models.TimeRange{}, fmt.Errorf("--to precedes --from")
	}
	return window, nil
}

func fileBase(instrument string, window models.TimeRange) string {
	name := strings.ToLower(strings.ReplaceAll(instrument, "/", "_"))
	return fmt.Sprintf("%s_%s", name, window.From.Format("20060102T150405"))
}
