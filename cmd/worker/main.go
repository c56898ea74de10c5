package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"horus-server/internal/app"
	"horus-server/internal/config"
	"horus-server/internal/logging"
	"horus-server/internal/storage"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	if cfg.JugglerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.JugglerID = hostname
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop holds a single connection for its whole lifetime.
	repo, err := app.OpenRepository(ctx, cfg, store.WithMaxConns(1), store.WithMinConns(1))
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer repo.Close()

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open object storage")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	worker := app.NewJuggler(cfg, repo, objects, log)
	if err := worker.Start(ctx); err != nil {
		log.WithError(err).Fatal("start juggler")
	}
	log.WithFields(logrus.Fields{
		"juggler_id": worker.ID(),
		"throttle":   cfg.JugglerThrottle,
		"capacity":   cfg.JugglerQueueCapacity,
	}).Info("worker started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := worker.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("juggler shutdown")
	}
}
