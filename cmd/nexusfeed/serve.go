package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/config"
	"github.com/nexusfeed/nexusfeed/internal/feed"
	"github.com/nexusfeed/nexusfeed/internal/infrastructure/db"
	httpapi "github.com/nexusfeed/nexusfeed/internal/interfaces/http"
	"github.com/nexusfeed/nexusfeed/internal/models"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/replay"
	"github.com/nexusfeed/nexusfeed/internal/venue"
	"github.com/nexusfeed/nexusfeed/internal/venue/binance"
	_ "github.com/nexusfeed/nexusfeed/internal/venue/deribit"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregation service",
		Long: `Starts the pollers for every configured venue, the persistence
pipeline, the hot cache, the live fan-out and the HTTP/websocket API.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("depth-stream", false, "Maintain live Binance depth books over websocket")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	depthStream, _ := cmd.Flags().GetBool("depth-stream")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := httpapi.NewMetricsRegistry()

	manager, err := db.NewManager(cfg.Database, metrics)
	if err != nil {
		return err
	}
	log.Info().Str("url", cfg.Database.URL).Msg("database ready")

	books := openBooks(ctx, cfg)

	pub := publisher.New(publisher.DefaultQueueSize)
	pub.Start()

	feedCfg := feed.DefaultConfig()
	feedCfg.TickerInterval = cfg.RefreshInterval

	mgr := feed.NewManager(manager.Repository(), books, pub, metrics, feedCfg)
	for venueName, symbols := range cfg.Venues {
		client, err := venue.New(venueName, venue.Options{
			Symbols:     symbols,
			Credentials: config.Credentials(venueName),
			Sandbox:     cfg.SandboxMode,
		})
		if err != nil {
			log.Warn().Err(err).Str("venue", venueName).Msg("skipping venue")
			continue
		}
		mgr.Register(client)
		log.Info().Str("venue", venueName).Strs("symbols", symbols).Msg("venue registered")
	}
	if err := mgr.StartAll(ctx); err != nil {
		return err
	}

	if depthStream {
		startDepthStreams(ctx, cfg, mgr, metrics)
	}

	engine := replay.NewEngine(manager.Repository())
	handlers := httpapi.NewHandlers(manager, books, pub, engine, metrics)
	srv := httpapi.NewServer(httpapi.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, handlers)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("feed shutdown failed")
	}
	pub.Stop()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("database close failed")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// openBooks connects the hot cache, falling back to the in-process
// map when Redis is disabled or unreachable.
func openBooks(ctx context.Context, cfg *config.Config) cache.Books {
	if cfg.Redis.Disabled {
		return cache.NewMemory()
	}
	rb := cache.NewRedis(cfg.Redis.Addr(), cfg.Redis.DB, cfg.Redis.TTL)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rb.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr()).Msg("redis unreachable, using in-memory book cache")
		return cache.NewMemory()
	}
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("redis cache ready")
	return rb
}

// startDepthStreams launches a live diff-depth book per configured
// Binance spot symbol.
func startDepthStreams(ctx context.Context, cfg *config.Config, mgr *feed.Manager, metrics *httpapi.MetricsRegistry) {
	symbols, ok := cfg.Venues["binance_spot"]
	if !ok {
		return
	}

	fl := binance.NewClient("binance_spot", "https://api.binance.com", "/api/v3", false, symbols)
	tracker := binance.NewDepthTracker("binance_spot", fl.FetchSnapshot, metrics.ConnectorRestarted)
	sink := func(ctx context.Context, snap models.BookSnapshot) {
		if err := mgr.IngestSnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Str("instrument", snap.Instrument).Msg("depth snapshot ingest failed")
		}
	}
	for _, symbol := range symbols {
		stream := binance.NewDepthStream("binance_spot", symbol, binance.DefaultStreamURL, tracker, sink)
		go stream.Run(ctx)
		log.Info().Str("symbol", symbol).Msg("live depth stream started")
	}
}
