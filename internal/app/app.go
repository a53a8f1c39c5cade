// Package app assembles the campaign service from configuration. Both
// binaries share it so the API and the sweeper run the same engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Cypherspark/push-dispatch/internal/audience"
	"github.com/Cypherspark/push-dispatch/internal/campaign"
	"github.com/Cypherspark/push-dispatch/internal/config"
	"github.com/Cypherspark/push-dispatch/internal/db"
	"github.com/Cypherspark/push-dispatch/internal/dispatch"
	"github.com/Cypherspark/push-dispatch/internal/events"
	"github.com/Cypherspark/push-dispatch/internal/lease"
	"github.com/Cypherspark/push-dispatch/internal/metrics"
	"github.com/Cypherspark/push-dispatch/internal/provider"
	"github.com/Cypherspark/push-dispatch/internal/tokens"
)

type App struct {
	DB      *db.DB
	Store   *db.Store
	Service *campaign.Service

	log     *zap.Logger
	redis   *redis.Client
	amqp    *events.AMQP
	stopper chan struct{}
}

// Build connects to every configured dependency. Redis and AMQP are
// optional; without them runs are not leased and finalization events are
// dropped.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	database, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	a := &App{DB: database, Store: db.NewStore(database), log: log, stopper: make(chan struct{})}

	deps := campaign.Deps{
		Store:      a.Store,
		Resolver:   audience.NewResolver(a.Store),
		Accessor:   tokens.NewAccessor(a.Store, log.Named("tokens")),
		Dispatcher: dispatch.New(Gateway(cfg.Gateway), cfg.DispatchOptions(), log.Named("dispatch")),
		Log:        log.Named("campaign"),
		LeaseTTL:   cfg.LeaseTTL,
		Production: cfg.Production(),
	}
	if cfg.Dispatch.LookupConcurrency > 0 {
		deps.Accessor.Concurrency = cfg.Dispatch.LookupConcurrency
	}

	if cfg.RedisURL != "" {
		rc, err := lease.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		deps.Lease = lease.NewRedis(rc, "")
		log.Info("run lease enabled")
	}
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.amqp = pub
		deps.Events = pub
		log.Info("finalization events enabled", zap.String("exchange", events.Exchange))
	}

	a.Service = campaign.NewService(deps)

	stats := metrics.NewPGXPoolStats(database.Pool, prometheus.DefaultRegisterer)
	go stats.Start(5*time.Second, a.stopper)
	return a, nil
}

// Gateway returns the push gateway selected by configuration.
func Gateway(g config.Gateway) provider.Gateway {
	if g.Kind == "http" {
		return provider.NewHTTPGateway(g.URL, g.ServerKey, g.Timeout)
	}
	sim := provider.NewSimulated()
	sim.FailPercent = g.FailPercent
	return sim
}

// Ready pings the database.
func (a *App) Ready(ctx context.Context) error { return a.DB.Ping(ctx) }

func (a *App) Close() {
	select {
	case <-a.stopper:
	default:
		close(a.stopper)
	}
	var errs []error
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	a.DB.Pool.Close()
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close dependencies", zap.Error(err))
	}
}
