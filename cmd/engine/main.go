// Command engine runs the autonomous intraday trading engine.
//
// Process layout:
//
//   - internal/engine     orchestrator: data, strategy, protection, EOD loops
//   - internal/broker     REST gateway and trade-update WebSocket stream
//   - internal/marketdata bar caches and indicator features
//   - internal/strategy   EMA-crossover momentum signal generation
//   - internal/risk       sizing, exposure limits, cooldowns, circuit breaker
//   - internal/executor   bracket submission and fill verification
//   - internal/protector  breakeven, partials, trailing stop ladder
//   - internal/journal    sqlite event journal
//   - internal/api        operator HTTP/WebSocket surface
//
// Configuration is read from configs/config.yaml (override with DT_CONFIG);
// credentials come from environment variables.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"daytrader/internal/api"
	"daytrader/internal/config"
	"daytrader/internal/engine"
)

func main() {
	configPath := "configs/config.yaml"
	if v := os.Getenv("DT_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.DryRun {
		logger.Warn("DRY RUN mode: no orders will reach the broker")
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, eng.Bus(), eng.Journal(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited with error", "error", err)
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
