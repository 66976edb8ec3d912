// TradeHub - peer-to-peer crypto-for-cash trade coordination
package main

import (
	"context"
	"os"
	"time"

	"github.com/tradehub-ng/tradehub/internal/config"
	"github.com/tradehub-ng/tradehub/internal/logging"
	"github.com/tradehub-ng/tradehub/internal/server"
	"github.com/tradehub-ng/tradehub/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting tradehub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"payment_window", cfg.PaymentWindow,
		"confirmation_window", cfg.ConfirmationWindow,
	)

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTraces(flushCtx)
		}()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
