package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/epic1st/sigflow/config"
	"github.com/epic1st/sigflow/internal/barstore"
	"github.com/epic1st/sigflow/internal/engine"
	"github.com/epic1st/sigflow/internal/monitoring"
	sig "github.com/epic1st/sigflow/internal/signal"
	"github.com/epic1st/sigflow/internal/ticksource"
	"github.com/epic1st/sigflow/logging"
)

const version = "1.2.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger := logging.NewLogger(parseLevel(cfg.Logs.Level))
	runID := uuid.NewString()

	systemSink, err := logging.NewFileSink("", logging.INFO, logging.RotationConfig{
		Filename:  filepath.Join(cfg.Logs.Dir, "system.log"),
		MaxSizeMB: cfg.Logs.MaxSizeMB,
	})
	if err != nil {
		log.Fatalf("failed to open system log: %v", err)
	}
	defer systemSink.Close()
	systemSink.ExcludeComponents("signal")
	logger.AddHook(systemSink)

	signalSink, err := logging.NewFileSink("signal", logging.INFO, logging.RotationConfig{
		Filename:  filepath.Join(cfg.Logs.Dir, "signals.log"),
		MaxSizeMB: cfg.Logs.MaxSizeMB,
	})
	if err != nil {
		log.Fatalf("failed to open signal log: %v", err)
	}
	defer signalSink.Close()
	logger.AddHook(signalSink)

	barWriter, err := logging.NewRotatingFileWriter(logging.RotationConfig{
		Filename:  filepath.Join(cfg.Logs.Dir, "bars.log"),
		MaxSizeMB: cfg.Logs.MaxSizeMB,
	})
	if err != nil {
		log.Fatalf("failed to open bar log: %v", err)
	}
	defer barWriter.Close()
	barLog := engine.NewBarLogWriter(barWriter, engine.DefaultBarLogBuffer, logger)

	discovery := ticksource.NewStaticDiscovery(
		cfg.Engine.Symbols, nil,
		ticksource.VolumeFilter(0, cfg.Engine.Blacklist),
	)
	symbols, err := discovery.Discover(context.Background())
	if err != nil {
		log.Fatalf("symbol discovery failed: %v", err)
	}

	var mirror barstore.Mirror
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
		})
		defer client.Close()
		mirror = barstore.NewRedisMirror(client, cfg.Engine.WindowMax)
	}

	// Each ungated transition becomes one row in the signal log file.
	transitionSink := func(symbol string, active bool, diag sig.Diagnostics) {
		payload, _ := json.Marshal(diag)
		logger.Info("signal state changed",
			logging.Component("signal"),
			logging.Symbol(symbol),
			logging.Bool("signal_active", active),
			logging.String("diagnostics", string(payload)),
			logging.RunID(runID))
	}

	eng, err := engine.New(cfg.Engine, symbols, engine.Options{
		Logger:         logger,
		Mirror:         mirror,
		BarLog:         barLog,
		TransitionSink: transitionSink,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	health := monitoring.NewHealthChecker(version)
	eng.RegisterHealthChecks(health)

	mux := http.NewServeMux()
	mux.Handle("/health", health.HTTPHealthHandler())
	mux.Handle("/metrics", monitoring.Handler())
	go func() {
		if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("health server exited", err, logging.Component("engine"))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sigflow starting",
		logging.Component("engine"),
		logging.RunID(runID),
		logging.String("version", version),
		logging.Int("symbols", len(symbols)))

	eng.Start(ctx)
	<-ctx.Done()

	logger.Info("shutdown requested", logging.Component("engine"), logging.RunID(runID))
	eng.Stop()
}

func parseLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
