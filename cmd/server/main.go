// Settle - custodial escrow engine for marketplace payments
package main

import (
	"context"
	"os"

	"github.com/mbd888/settle/internal/config"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting settle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	if Version != "dev" {
		server.Version = Version
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"program", cfg.ProgramID,
		"authority", cfg.Authority,
		"storage", storageKind(cfg),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
