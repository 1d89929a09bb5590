package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyallcooper/kuron-watch/internal/app"
	"github.com/lyallcooper/kuron-watch/internal/config"
	"github.com/lyallcooper/kuron-watch/internal/logging"
	"go.uber.org/automaxprocs/maxprocs"
)

// Version info - injected at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_, _ = maxprocs.Set()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kuron-watch: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(cfg, logger, app.Options{
		Version:    version,
		Commit:     commit,
		ConsoleOut: os.Stdout,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	logging.LogStartup(logger, a.Version, cfg.ServerURL)

	if err := a.Start(); err != nil {
		a.Cleanup()
		logger.WithError(err).Fatal("failed to start")
	}
	if addr := a.StatusAddr(); addr != nil {
		logger.Infof("status API on http://%s", addr)
	}

	cancelCleanup, cleanupDone := a.StartCleanupLoop(24 * time.Hour)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig.String()).Info("shutting down")
	start := time.Now()

	cancelCleanup()
	<-cleanupDone
	a.Cleanup()

	logging.LogShutdown(logger, sig.String(), time.Since(start).Seconds())
}
