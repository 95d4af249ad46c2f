// Keymarket - escrow and payout lifecycle for a digital-goods marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/keymarket/internal/config"
	"github.com/mbd888/keymarket/internal/logging"
	"github.com/mbd888/keymarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is known
	logger := logging.New("info", "text")

	logger.Info("starting keymarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"maturity_hold", cfg.MaturityHold.String(),
		"maturity_enabled", cfg.MaturityEnabled,
		"payout_enabled", cfg.PayoutEnabled,
		"reconcile_enabled", cfg.ReconcileEnabled,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
