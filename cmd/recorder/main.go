// recorder connects to a keyboard-remapping daemon, subscribes to its
// broadcast events, and batch-writes them to Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keyflow/keylink/internal/config"
	"github.com/keyflow/keylink/internal/connection"
	"github.com/keyflow/keylink/internal/database"
	"github.com/keyflow/keylink/internal/recorder"
	"github.com/keyflow/keylink/internal/router"
	"github.com/keyflow/keylink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.Recorder.Enabled {
		logger.Error("recorder is disabled in config")
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Recorder.Database.Host,
		"port", cfg.Recorder.Database.Port,
		"database", cfg.Recorder.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Recorder.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	rec := recorder.NewRecorder(cfg.Recorder, pool, logger)
	rtr := router.NewRouter(rec.Handlers(), logger)

	connCfg := connection.DefaultManagerConfig()
	connCfg.Addr = net.JoinHostPort(cfg.Daemon.Host, fmt.Sprint(cfg.Daemon.Port))
	connCfg.ConnectTimeout = cfg.Daemon.ConnectTimeout
	connCfg.RequestTimeout = cfg.Daemon.RequestTimeout
	connCfg.RetryBackoff = cfg.Daemon.RetryBackoff
	connCfg.PollInterval = cfg.Daemon.PollInterval
	connCfg.BufferSize = cfg.Daemon.BufferSize
	connCfg.ClientName = cfg.Daemon.ClientName

	mgr := connection.NewManager(connCfg, rtr, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := rtr.Start(gctx); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := rec.Start(gctx); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Keep the connection alive: Ensure retries once with backoff
		// on its own, so on repeated failure back off here and try
		// again until shutdown.
		for {
			if err := mgr.Ensure(gctx); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				logger.Warn("daemon connection failed, retrying", "error", err)
			} else {
				info := mgr.ServerInfo()
				logger.Info("daemon connected",
					"addr", connCfg.Addr,
					"daemon_version", info.Version,
					"protocol", info.Protocol,
				)
			}

			select {
			case <-gctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("recorder failed", "error", err)
		cancel()
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	mgr.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := rtr.Stop(shutdownCtx); err != nil {
		logger.Error("router stop failed", "error", err)
	}
	if err := rec.Stop(shutdownCtx); err != nil {
		logger.Error("recorder stop failed", "error", err)
	}

	stats := rec.Stats()
	logger.Info("recorder stopped",
		"inserts", stats.Inserts,
		"conflicts", stats.Conflicts,
		"flushes", stats.Flushes,
		"errors", stats.Errors,
	)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
