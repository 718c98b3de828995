// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// mrouter routes TCP/TLS streams to discovered backends. It takes a single
// positional argument: the path to the configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mrouter/pkg/admin"
	"github.com/absmach/mrouter/pkg/config"
	"github.com/absmach/mrouter/pkg/health"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/pool"
	"github.com/absmach/mrouter/pkg/router"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK     = 0
	exitErr    = 1
	exitConfig = 2
)

// Env is the startup environment. Behavior is otherwise driven entirely by
// the configuration file.
type Env struct {
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"      envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES"  envDefault:"50000"`
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse environment: %v\n", err)
		return exitConfig
	}
	logger := setupLogger(e.LogLevel, e.LogFormat)

	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", args[0])
		return exitConfig
	}

	app, err := config.Load(args[1])
	if err != nil {
		logger.Error("configuration error", slog.String("error", err.Error()))
		return exitConfig
	}

	m := metrics.New("mrouter")
	snap := metrics.NewSnapshotter(m, app.Admin.MetricsInterval(), nil, logger)
	buffers := pool.NewBufferPool(app.BufferSize)

	opts := router.Options{
		Metrics:       m,
		Buffers:       buffers,
		Logger:        logger,
		DrainDeadline: app.Admin.DrainDeadline(),
		CacheIdle:     durationSecs(app.Binder.CacheIdleSecs),
		NegTTL:        durationSecs(app.Binder.NegTTLSecs),
	}

	var routers []*router.Router
	var buildErr error
	for _, rc := range app.Routers {
		r, err := router.New(rc, opts)
		if err != nil {
			buildErr = multierr.Append(buildErr, fmt.Errorf("router %q: %w", rc.Label, err))
			continue
		}
		routers = append(routers, r)
	}
	if buildErr != nil {
		logger.Error("router construction failed", slog.String("error", buildErr.Error()))
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	checker := health.NewChecker(0, nil)
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > e.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, e.MaxGoroutines)
		}
		return nil
	})

	adm := admin.New(admin.Config{
		Address:     app.Admin.Addr(),
		Snapshotter: snap,
		Health:      checker,
		Shutdown:    cancel,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(snap.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(adm.Run(gctx))
	})
	for _, r := range routers {
		r := r
		g.Go(func() error {
			return ignoreCanceled(r.Run(gctx))
		})
	}

	logger.Info("mrouter started", slog.Int("routers", len(routers)))
	if err := g.Wait(); err != nil {
		logger.Error("terminated", slog.String("error", err.Error()))
		return exitErr
	}
	logger.Info("graceful shutdown complete")
	return exitOK
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func durationSecs(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}

func setupLogger(level, format string) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
