package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdhq/flowd/internal/api"
	"github.com/flowdhq/flowd/internal/bus"
	"github.com/flowdhq/flowd/internal/coord"
	"github.com/flowdhq/flowd/internal/engine"
	"github.com/flowdhq/flowd/internal/logging"
	"github.com/flowdhq/flowd/internal/scheduler"
	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/internal/validation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("flowd exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(flowdDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Without a NATS URL flowd runs single-process: in-memory bus and
	// coordination, no cross-instance dispatch.
	var eventBus bus.Bus
	var kv coord.KV
	if cfg.NATSURL != "" {
		nb, err := bus.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		eventBus = nb
		kv, err = coord.NewNATSKV(ctx, nb.Conn(), "flowd-sched", 5*time.Minute)
		if err != nil {
			return err
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		eventBus = bus.NewMemoryBus()
		kv = coord.NewMemoryKV()
		logger.Info("running with in-memory bus and coordination")
	}
	defer eventBus.Close()

	eng, err := engine.New(st, eventBus, logger, engine.Config{
		PoolSize:           cfg.PoolSize,
		SandboxBudget:      duration(cfg.SandboxBudget),
		DefaultNodeTimeout: duration(cfg.NodeTimeout),
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	sched := scheduler.New(eng, kv, logger)
	eng.AttachScheduler(sched)
	if err := sched.RecoverActive(ctx, st); err != nil {
		logger.Warn("schedule recovery", "error", err.Error())
	}
	sched.Start()
	defer sched.Stop()

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Store:     st,
			Engine:    eng,
			Validator: validator,
			Logger:    logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowd listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
