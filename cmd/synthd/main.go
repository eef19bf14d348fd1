// Command synthd runs the local streaming synthesis engine: the loopback
// HTTP endpoint and the WebSocket playback daemon in one process. Exit
// code 0 is a clean shutdown, 1 a fatal runtime error, 2 a configuration
// error (bad flags, missing model file, unreadable calibration file).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localvoice/synthd/internal/config"
	"github.com/localvoice/synthd/internal/engine"
	"github.com/localvoice/synthd/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 2
	}

	logLevel := logging.LevelNormal
	logger := logging.New(logLevel, os.Stderr)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine: %v", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine: %v", err)
		return 1
	}
	logger.Info("synthd: accepting requests at %s, daemon at %s", cfg.HTTPAddr, cfg.DaemonAddr)

	<-sigChan
	logger.Info("synthd: shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	eng.Stop(stopCtx)

	return 0
}
