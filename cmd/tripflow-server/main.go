// Package main provides the tripflow ingestion server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/tripflow/internal/broadcast"
	"github.com/raphaelgruber/tripflow/internal/config"
	"github.com/raphaelgruber/tripflow/internal/db"
	"github.com/raphaelgruber/tripflow/internal/decode"
	"github.com/raphaelgruber/tripflow/internal/ingest"
	"github.com/raphaelgruber/tripflow/internal/ledger"
	"github.com/raphaelgruber/tripflow/internal/loader"
	"github.com/raphaelgruber/tripflow/internal/metrics"
	"github.com/raphaelgruber/tripflow/internal/models"
	"github.com/raphaelgruber/tripflow/internal/server"
	"github.com/raphaelgruber/tripflow/internal/source"
)

func main() {
	inMemory := flag.Bool("in-memory", false, "run without Postgres; job and trip state is lost on exit (development only)")
	flag.Parse()

	cfg := config.Load()
	if *inMemory {
		cfg.InMemory = true
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	slog.Info("starting tripflow-server", "port", cfg.ServerPort, "source_root", cfg.SourceRoot)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, inserter, closeDB, err := openStorage(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("storage initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	led := ledger.New(store)
	caster := broadcast.New()
	collector := metrics.NewCollector()

	ld := loader.New(inserter, loader.Config{
		ChunkSize:     cfg.ChunkSize,
		MaxAttempts:   cfg.InsertRetries,
		InsertTimeout: cfg.InsertTimeout,
	}, collector)

	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("source provider initialization failed", "error", err)
		os.Exit(1)
	}

	orch := ingest.New(led, caster, provider, ld, decode.Policy(cfg.DecodePolicy), collector)
	srv := server.New(led, caster, orch, collector, cfg.SourceRoot, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Minute, // large CSV uploads
		WriteTimeout: 0,               // WebSocket streams are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("API available", "url", "http://localhost:"+cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Running jobs keep their own contexts; let them finish recording state.
	orch.Wait()

	slog.Info("server stopped")
}

// openStorage wires either the Postgres stores or the in-memory development
// backend.
func openStorage(ctx context.Context, cfg config.Config) (ledger.Store, loader.Inserter, func(), error) {
	if cfg.InMemory {
		slog.Warn("running with in-memory storage; state is lost on exit")
		return ledger.NewMemoryStore(), discardInserter{}, func() {}, nil
	}

	url, err := config.DatabaseURL()
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := db.Connect(ctx, url)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return db.NewJobStore(pool), db.NewTripStore(pool), pool.Close, nil
}

// discardInserter accepts rows without storing them; pairs with the
// in-memory job store for development runs.
type discardInserter struct{}

func (discardInserter) InsertTrips(_ context.Context, rows []models.Trip) (int, error) {
	return len(rows), nil
}

func buildProvider(cfg config.Config) (source.Provider, error) {
	local := source.NewLocalProvider(cfg.SourceRoot)
	if !cfg.S3Enabled {
		return source.NewResolver(local, nil), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s3p, err := source.NewS3Provider(ctx)
	if err != nil {
		return nil, err
	}
	return source.NewResolver(local, s3p), nil
}
