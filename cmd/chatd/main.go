package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatd/internal/app"
	"chatd/pkg/config"
	"chatd/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags win over config/env when provided by the user.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	if setFlags["db"] {
		cfg.Storage.DBPath = dbVal
	}
	if cfg.Storage.DBPath == "" {
		log.Fatalf("no database path configured; pass --db or set storage.db_path")
	}

	a, err := app.New(cfg, addr, version, commit)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown_complete")
}
