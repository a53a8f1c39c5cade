package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Cypherspark/push-dispatch/internal/app"
	"github.com/Cypherspark/push-dispatch/internal/config"
	"github.com/Cypherspark/push-dispatch/internal/logging"
	"github.com/Cypherspark/push-dispatch/internal/metrics"
	"github.com/Cypherspark/push-dispatch/internal/telemetry"
	"github.com/Cypherspark/push-dispatch/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		exitCode = 1
		return
	}
	log, err := logging.New(cfg.Production(), "push-worker")
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		exitCode = 1
		return
	}
	log = logging.Tee(log, cfg.LogFile)
	defer func() { _ = log.Sync() }()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(rootCtx, "push-worker", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdownTracing(ctx)
	}()

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		exitCode = 1
		return
	}
	defer a.Close()

	// ---- Healthz / metrics ----
	metrics.MustRegister()
	go serveHealthz(cfg.HealthAddr, log)

	// ---- Sweepers ----
	// One pool fires due scheduled campaigns; a second, smaller one fails
	// campaigns whose run died while sending.
	fire := func(ctx context.Context, id string) error {
		_, err := a.Service.Fire(ctx, id)
		return err
	}
	reclaim := func(ctx context.Context, id string) error {
		_, err := a.Service.Reclaim(ctx, id)
		return err
	}
	reclaimOpts := cfg.SweepOptions()
	reclaimOpts.Concurrency = 1
	reclaimOpts.IdleSleep = time.Minute

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return worker.RunSweeper(gctx, a.Store.DueScheduled, fire, cfg.SweepOptions(), log.Named("sweeper"))
	})
	g.Go(func() error {
		return worker.RunSweeper(gctx, a.Service.StaleSending, reclaim, reclaimOpts, log.Named("reclaimer"))
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper exited", zap.Error(err))
		exitCode = 1
		return
	}
}

func serveHealthz(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("health server", zap.Error(err))
	}
}
