// Package main provides the Tangle Aggregation Service entry point: the
// BLS signature aggregator described in spec §4.5, exposed over HTTP so
// operators can submit signature shares and the CLI/manager can poll task
// status and mint the final aggregated result.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tangle-network/blueprint-core/internal/aggregation"
	"github.com/tangle-network/blueprint-core/internal/config"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("aggregator", cfg.Logging.Level, cfg.Logging.Format)
	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *logging.Logger) int {
	svc := aggregation.New(aggregation.Options{
		ValidateOutput:  cfg.Aggregation.ValidateOutputOnSubmit,
		VerifyOnSubmit:  cfg.Aggregation.VerifyOnSubmit,
		CleanupInterval: time.Duration(cfg.Aggregation.CleanupIntervalSecs) * time.Second,
	}, logger)
	defer svc.Stop()

	server := aggregation.NewServer(svc, logger)
	httpServer := &http.Server{Addr: cfg.Aggregation.ListenAddr, Handler: server.Router()}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.Aggregation.ListenAddr}).Info("aggregator: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("aggregator: http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithFields(nil).Info("aggregator: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return 0
}
