// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/alaya/internal/api"
	"github.com/starford/alaya/internal/events"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/ingest"
	"github.com/starford/alaya/internal/mcpserver"
	"github.com/starford/alaya/internal/noteservice"
	"github.com/starford/alaya/internal/sse"
	"github.com/starford/alaya/internal/storage"
	"github.com/starford/alaya/internal/worker"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Stdout carries the MCP protocol when stdio is enabled.
	logger := app.logger
	if logger == nil {
		var out io.Writer = os.Stdout
		if cfg.MCP.Stdio {
			out = os.Stderr
		}
		logger = newLogger(cfg, out)
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("embedding_model", cfg.Embedding.Model),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := ensureDirs(cfg); err != nil {
		return err
	}

	lock, err := storage.AcquireLock(cfg.Vault.StatePath())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	c, err := openCore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("vector store close error", slog.String("error", err.Error()))
		}
	}()

	bus := events.NewBus(logger)
	recency := index.NewRecency(cfg.Watcher.RecencyWindow)
	group := worker.NewGroup(cfg.Watcher.IngestWorkers, logger)

	unsubscribe := index.NewSubscriber(c.ix, recency, logger).Attach(bus)
	defer unsubscribe()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	detach := broker.Attach(bus)
	defer detach()

	notes := noteservice.NewService(c.fs, bus)
	ingester := ingest.New(c.fs, c.ix, c.searcher, recency, cfg.Vault.DropDir, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	if from, changed := c.modelChange(gCtx); changed {
		logger.Info("embedding model changed, migrating index",
			slog.String("from", from), slog.String("to", c.emb.Active().Key))
		index.NewMigrator(c.rx, group, cfg.Reindex.BatchSize, cfg.Reindex.BatchPause, logger).
			Run(gCtx, from, c.emb.Active().Key)
	} else {
		startupReindex(gCtx, cfg.Reindex.OnStartup, c.rx, group, logger)
	}

	scheduler, err := index.NewScheduler(cfg.Reindex.Schedule, c.rx, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", api.NewRouter(api.Deps{
		Notes:     notes,
		Searcher:  c.searcher,
		Reindexer: c.rx,
		Indexer:   c.ix,
		FS:        c.fs,
		DropDir:   cfg.Vault.DropDir,
		SSE:       broker,
	}, cfg.Auth.AuthEnabled(), cfg.Auth.Token))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	// Start file watcher with SSE callback.
	var watcher *index.Watcher
	if cfg.Watcher.Enabled {
		watcher = index.NewWatcher(c.ix, recency, group, ingester.IngestFile, broker.PublishNoteEvent,
			index.WatcherConfig{Debounce: cfg.Watcher.Debounce, DropDir: cfg.Vault.DropDir}, logger)
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// MCP over stdio.
	if cfg.MCP.Stdio {
		mcpSrv := mcpserver.New(mcpserver.Deps{
			Notes:     notes,
			Searcher:  c.searcher,
			Reindexer: c.rx,
			Indexer:   c.ix,
			Ingester:  ingester,
			FS:        c.fs,
			DropDir:   cfg.Vault.DropDir,
		})
		g.Go(func() error {
			logger.Info("Starting MCP stdio server")
			return mcpSrv.Listen(gCtx, os.Stdin, os.Stdout)
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		scheduler.Stop(cfg.Watcher.StopTimeout)
		cancel()
		if watcher != nil {
			watcher.Stop(cfg.Watcher.StopTimeout)
		}

		return nil
	})

	err = g.Wait()

	if !group.Wait(cfg.Watcher.StopTimeout) {
		logger.Warn("background jobs still running at shutdown", slog.Duration("timeout", cfg.Watcher.StopTimeout))
	}

	if err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// startupReindex brings the index up to date in the background.
func startupReindex(ctx context.Context, mode string, rx *index.Reindexer, group *worker.Group, logger *slog.Logger) {
	if mode == StartupNone {
		return
	}
	group.Go(ctx, "startup reindex", func(ctx context.Context) error {
		var (
			res index.Result
			err error
		)
		if mode == StartupFull {
			res, err = rx.Full(ctx)
		} else {
			res, err = rx.Incremental(ctx)
		}
		if err != nil {
			return fmt.Errorf("startup %s reindex: %w", mode, err)
		}
		logger.Info("startup reindex finished",
			slog.String("mode", mode),
			slog.Int("indexed", res.NotesIndexed),
			slog.Int("skipped", res.NotesSkipped),
			slog.Int("deleted", res.NotesDeleted),
			slog.Int("failed", res.NotesFailed),
			slog.Duration("duration", res.Duration))
		return nil
	})
}
