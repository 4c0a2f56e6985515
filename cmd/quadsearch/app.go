package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/completion"
	"github.com/kalambet/quadsearch/internal/config"
	"github.com/kalambet/quadsearch/internal/lifecycle"
	"github.com/kalambet/quadsearch/internal/orchestrator"
	"github.com/kalambet/quadsearch/internal/realtime"
	"github.com/kalambet/quadsearch/internal/reaper"
	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/search"
	"github.com/kalambet/quadsearch/internal/storage"
	"github.com/kalambet/quadsearch/internal/storage/postgres"
	"github.com/kalambet/quadsearch/internal/vectorindex"
	"github.com/kalambet/quadsearch/internal/worker"
)

// app is the wired service shared by the HTTP server and the MCP command.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     storage.Datastore
	hub       *realtime.Hub
	lifecycle *lifecycle.Manager
	service   *search.Service
	pool      *worker.Pool
	reaper    *reaper.Reaper

	closers []io.Closer
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// buildApp opens storage and wires every component. The vector index always
// lives in the SQLite database under the data dir, whichever driver holds
// rooms, messages, budgets and jobs.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sqliteStore, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, sqliteStore)
	a.store = sqliteStore

	if cfg.Storage.Driver == config.DriverPostgres {
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		a.closers = append(a.closers, pg)
		a.store = pg
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver, "data_dir", cfg.Storage.DataDir)

	oa := completion.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	embedder, err := vectorindex.NewOpenAIEmbedder(oa, cfg.OpenAI.EmbedModel, cfg.OpenAI.EmbedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	index := vectorindex.New(sqliteStore.DB(), embedder)

	ledger := budget.NewLedger(a.store, budget.Limits{
		Window:       cfg.Budget.Window,
		AnonymousMax: int64(cfg.Budget.AnonymousMaxTokens),
		VerifiedMax:  int64(cfg.Budget.VerifiedMaxTokens),
	})
	gate := budget.NewGate(ledger, completion.NewClient(oa, cfg.OpenAI.ChatModel), int64(cfg.Budget.CompletionReserve), logger)

	a.hub = realtime.NewHub(logger)
	var notifier realtime.Notifier = a.hub
	if cfg.Realtime.RedisAddr != "" {
		bus, err := realtime.NewRedisBus(ctx, cfg.Realtime.RedisAddr, cfg.Realtime.RedisChannel, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, bus)
		if err := bus.StartForwarder(ctx, a.hub.Broadcast); err != nil {
			return nil, err
		}
		notifier = bus
		logger.Info("real-time events fan out through redis", "addr", cfg.Realtime.RedisAddr, "channel", cfg.Realtime.RedisChannel)
	}

	a.lifecycle = lifecycle.NewManager(a.store, notifier, logger)
	a.service = search.New(search.Deps{
		Store:        a.store,
		Index:        index,
		Retriever:    retrieval.New(index, logger),
		Orchestrator: orchestrator.New(0),
		Gate:         gate,
		Lifecycle:    a.lifecycle,
		Logger:       logger,
	})

	a.pool = worker.NewPool(a.store, cfg.Worker.PollInterval, cfg.Worker.Concurrency, logger)
	a.pool.Handle(search.JobSearchRun, a.service.HandleRunJob)
	a.pool.Handle(search.JobIndexDocument, a.service.HandleIndexJob)

	if cfg.Reaper.Enabled {
		a.reaper = reaper.New(a.store, a.lifecycle, cfg.Reaper.Schedule, cfg.Reaper.StaleAfter, logger)
	}
	return a, nil
}

// startBackground runs the worker pool and the reaper until ctx ends.
func (a *app) startBackground(ctx context.Context) error {
	go a.pool.Run(ctx)
	if a.reaper != nil {
		if err := a.reaper.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing: %v\n", err)
		}
	}
	a.closers = nil
}
