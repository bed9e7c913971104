// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, Postgres) and schema bootstrap
//  2. initBus      — Kafka producer plus the worker and dispatcher consumers
//  3. initServices — response cache, rate limiter, inference log, metrics
//  4. initGateway  — gateway, WebSocket surface, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inferno/internal/bus"
	infCache "github.com/nulpointcorp/inferno/internal/cache"
	"github.com/nulpointcorp/inferno/internal/config"
	"github.com/nulpointcorp/inferno/internal/logwriter"
	"github.com/nulpointcorp/inferno/internal/metrics"
	"github.com/nulpointcorp/inferno/internal/proxy"
	"github.com/nulpointcorp/inferno/internal/store"
)

// shutdownGrace bounds the HTTP drain during graceful shutdown.
const shutdownGrace = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections — rdb is nil when CACHE_MODE != redis.
	rdb *redis.Client
	db  *store.Store

	producer       *bus.Producer
	workerConsumer *bus.Consumer
	dispConsumer   *bus.Consumer

	memCache *infCache.MemoryCache
	logw     *logwriter.Writer

	prom *metrics.Registry

	registry   *proxy.WaiterRegistry
	worker     *proxy.Worker
	dispatcher *proxy.Dispatcher
	srv        *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"bus", a.initBus},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the inference worker and the response
// dispatcher, and blocks until ctx is cancelled or one of them fails.
// It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("request_topic", a.cfg.Kafka.Topic),
		slog.String("response_topic", a.cfg.Kafka.ResponseTopic),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		return a.worker.Run(gctx)
	})

	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(drainCtx); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}

		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	// Drain the inference log before the Postgres pool goes away.
	if a.logw != nil {
		if err := a.logw.Close(); err != nil {
			a.log.Error("logwriter close error", slog.String("error", err.Error()))
		}
		a.logw = nil
	}
	if a.workerConsumer != nil {
		if err := a.workerConsumer.Close(); err != nil {
			a.log.Error("worker consumer close error", slog.String("error", err.Error()))
		}
		a.workerConsumer = nil
	}
	if a.dispConsumer != nil {
		if err := a.dispConsumer.Close(); err != nil {
			a.log.Error("dispatcher consumer close error", slog.String("error", err.Error()))
		}
		a.dispConsumer = nil
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error("producer close error", slog.String("error", err.Error()))
		}
		a.producer = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}
