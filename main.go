package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"cryptoetl/internal/api"
	"cryptoetl/internal/coingecko"
	"cryptoetl/internal/coinpaprika"
	"cryptoetl/internal/config"
	"cryptoetl/internal/coordinator"
	"cryptoetl/internal/csvfeed"
	"cryptoetl/internal/fetcher"
	"cryptoetl/internal/jobs"
	"cryptoetl/internal/logging"
	"cryptoetl/internal/query"
	"cryptoetl/internal/store"
	"cryptoetl/internal/upsert"
)

const shutdownTimeout = 15 * time.Second

func main() {
	once := pflag.Bool("once", false, "run a single ingestion and exit")
	addr := pflag.String("addr", "", "listen address for the API (overrides HTTP_ADDR)")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	// Cancel on SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := store.Open(ctx, store.Option{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Migrate(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	coord, err := newCoordinator(cfg, client, logger)
	if err != nil {
		logger.Error("build pipeline", "error", err)
		os.Exit(1)
	}

	if *once {
		sum, err := coord.Run(ctx)
		if err != nil {
			logger.Error("etl run could not start", "error", err)
			os.Exit(1)
		}
		logger.Info("etl run complete", "job_id", sum.JobID, "status", sum.Status, "accepted", sum.Accepted, "rejected", sum.Rejected)
		return
	}

	if err := serve(ctx, cfg, client, coord, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newCoordinator wires the configured sources into the pipeline.
func newCoordinator(cfg *config.Config, client *store.Client, logger *slog.Logger) (*coordinator.Coordinator, error) {
	var sources []fetcher.Source
	if cfg.CSVSourcePath != "" {
		sources = append(sources, csvfeed.NewOSFileSource(cfg.CSVSourcePath))
	}
	// Later sources win ties for the same symbol.
	sources = append(sources,
		coinpaprika.NewTickersSource(coinpaprika.Params{
			BaseURL: cfg.CoinPaprikaBaseURL,
			APIKey:  cfg.CoinPaprikaAPIKey,
			Limit:   cfg.CoinPaprikaLimit,
			Timeout: cfg.HTTPTimeout,
		}),
		coingecko.NewMarketsSource(coingecko.Params{
			BaseURL: cfg.CoinGeckoBaseURL,
			APIKey:  cfg.CoinGeckoAPIKey,
			PerPage: cfg.CoinGeckoPerPage,
			Timeout: cfg.HTTPTimeout,
		}),
	)

	engine := upsert.New(client.DB(),
		upsert.WithStaleGuard(cfg.StalePriceGuard),
		upsert.WithLogger(logger),
	)
	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if client.Dialect() == store.DialectPostgres {
		sqlDB, err := client.SQLDB()
		if err != nil {
			return nil, err
		}
		opts = append(opts, coordinator.WithLocker(store.NewAdvisoryLocker(sqlDB, store.RunLockKey)))
	}

	return coordinator.New(sources, client, engine, jobs.New(client.DB()), opts...), nil
}

// serve runs the API and the background runner until ctx is done.
func serve(ctx context.Context, cfg *config.Config, client *store.Client, coord *coordinator.Coordinator, logger *slog.Logger) error {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	runner := coordinator.NewRunner(coord, logger)
	if err := runner.Start(ctx, cfg.RunOnStartup); err != nil {
		return err
	}

	svc := query.New(client.DB(), client, jobs.New(client.DB()))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(svc, runner, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn("runner shutdown", "error", err)
	}
	return serveErr
}
