package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horus-server/internal/api"
	"horus-server/internal/app"
	"horus-server/internal/config"
	"horus-server/internal/deploy"
	"horus-server/internal/juggler"
	"horus-server/internal/logging"
	"horus-server/internal/storage"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := app.OpenRepository(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer repo.Close()

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open object storage")
	}

	gateway := juggler.NewGateway(repo, cfg.BackfillDelay, log)
	defer gateway.Close()

	var limiter api.Limiter
	if bucket, client := app.NewLimiter(cfg); bucket != nil {
		defer client.Close()
		limiter = bucket
	}

	svc := deploy.NewService(repo, objects, gateway, deploy.Config{
		MinPrivilege:    cfg.DeployMinPrivilege,
		MaxPackageBytes: cfg.DeployMaxPackageBytes,
		PresignTTL:      cfg.StoragePresignTTL,
	}, deploy.WithLogger(log))

	// With the memory store the worker has to share this process.
	var worker *juggler.Juggler
	if cfg.JugglerEmbedded || cfg.StoreDriver == "memory" {
		worker = app.NewJuggler(cfg, repo, objects, log)
		if err := worker.Start(ctx); err != nil {
			log.WithError(err).Fatal("start embedded juggler")
		}
	}

	var apiOpts []api.Option
	if breaker, ok := objects.(*storage.Breaker); ok {
		apiOpts = append(apiOpts, api.WithStorageHealth(breaker))
	}
	server := api.New(cfg, repo, svc, gateway, limiter, log, apiOpts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	gateway.Close()
	if worker != nil {
		if err := worker.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("juggler shutdown")
		}
	}
}
