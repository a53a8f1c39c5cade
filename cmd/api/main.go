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
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/app"
	"github.com/Cypherspark/push-dispatch/internal/config"
	httpapi "github.com/Cypherspark/push-dispatch/internal/http"
	"github.com/Cypherspark/push-dispatch/internal/logging"
	"github.com/Cypherspark/push-dispatch/internal/telemetry"
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
	log, err := logging.New(cfg.Production(), "push-api")
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

	shutdownTracing, err := telemetry.Setup(rootCtx, "push-api", cfg.OTelEndpoint, cfg.OTelEnabled)
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

	// ---- HTTP server ----
	srv := httpapi.NewServer(a.Service, cfg.Auth.JWTSecret, a.Ready, log.Named("http"))
	if cfg.Auth.JWTSecret == "" {
		log.Warn("ADMIN_JWT_SECRET is empty; every admin request will be rejected")
	}
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-rootCtx.Done():
	case err := <-errc:
		log.Error("server", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}
