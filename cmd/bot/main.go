// Council Trader — an autonomous long-only equity agent driven by an
// external council of analyst models.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires everything, waits for SIGINT/SIGTERM
//	engine/             — decision loop: gate ladder, confirmation clocks, sizing, exits, rotation
//	signal/             — dual-path score feed: REST snapshot polling + websocket push deltas
//	broker/             — adapters: Alpaca (native brackets) and IBKR Client Portal gateway (OCA pair)
//	profile/            — conservative/balanced/aggressive risk parameter sets
//	state/              — crash-safe JSON runtime state (clocks, daily baseline, health)
//	tradelog/           — append-only SQLite record of every submitted order
//	control/            — operator inputs: panic flag, profile selector, emergency stop
//	api/                — status HTTP API, websocket event stream, prometheus metrics
//
// How it trades:
//
//	Every tick the engine reads the council's 0-100 conviction scores. A
//	score that holds above the profile's entry threshold for the
//	confirmation window opens a bracket-protected long sized by conviction;
//	a score that sits below the exit threshold closes it. A stale or silent
//	feed degrades safely: reduce, then flatten. All risk lives in the
//	profile, all state survives restarts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"council-trader/internal/api"
	"council-trader/internal/broker"
	"council-trader/internal/config"
	"council-trader/internal/control"
	"council-trader/internal/engine"
	signalfeed "council-trader/internal/signal"
	"council-trader/internal/state"
	"council-trader/internal/tradelog"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	brk, err := broker.New(cfg.Broker, logger)
	if err != nil {
		logger.Error("failed to create broker", "error", err)
		os.Exit(1)
	}

	store, err := state.Open(cfg.Store.DataDir, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	trades, err := tradelog.Open(filepath.Join(cfg.Store.DataDir, "trades.sqlite"), logger)
	if err != nil {
		logger.Error("failed to open trade log", "error", err)
		os.Exit(1)
	}

	feed := signalfeed.NewFeed(cfg.Signal, logger)
	estop := &control.EmergencyStop{}

	var events chan api.Event
	if cfg.API.Enabled {
		events = make(chan api.Event, 64)
	}

	eng := engine.New(
		cfg.Engine,
		cfg.Mode,
		brk,
		feed,
		store,
		trades,
		control.StaticProfile(cfg.Profile),
		control.StaticPanic(false),
		estop,
		events,
		logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		feed.Run(ctx)
	}()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, brk.Name(), eng, trades, estop, events, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
		logger.Info("status api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	if cfg.Mode == "paper" {
		logger.Warn("PAPER MODE — orders go to the paper account")
	}
	logger.Info("council trader started",
		"broker", brk.Name(),
		"mode", cfg.Mode,
		"profile", cfg.Profile,
		"decision_seconds", cfg.Engine.DecisionSeconds,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	wg.Wait()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status api", "error", err)
		}
	}
	if err := trades.Close(); err != nil {
		logger.Error("failed to close trade log", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
