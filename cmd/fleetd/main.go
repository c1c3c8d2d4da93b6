// Command fleetd is the fleet control server: device registry, command
// queue, release catalog, and deployment rollout, over HTTP and Postgres.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teton-ai/fleet/internal/server/catalog"
	"github.com/teton-ai/fleet/internal/server/config"
	"github.com/teton-ai/fleet/internal/server/deployment"
	"github.com/teton-ai/fleet/internal/server/httpapi"
	"github.com/teton-ai/fleet/internal/server/objectstore"
	"github.com/teton-ai/fleet/internal/server/queue"
	"github.com/teton-ai/fleet/internal/server/registry"
	"github.com/teton-ai/fleet/internal/server/store"
)

func main() {
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	db, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx, log); err != nil {
		log.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	objs, err := objectstore.NewFromEnv(ctx, cfg.S3Region, cfg.S3Bucket, cfg.ObjectKeyRoot)
	if err != nil {
		log.Error("failed to configure object store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(db)
	q := queue.New(db)
	cat := catalog.New(db)
	dep := deployment.New(db)

	api := httpapi.New(log, reg, q, cat, dep, objs)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server exited", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Mux(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "error", err)
		}
	}()

	log.Info("fleetd listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server exited", "error", err)
		os.Exit(1)
	}
}
