package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inferno/internal/bus"
	infCache "github.com/nulpointcorp/inferno/internal/cache"
	"github.com/nulpointcorp/inferno/internal/logwriter"
	"github.com/nulpointcorp/inferno/internal/metrics"
	"github.com/nulpointcorp/inferno/internal/proxy"
	"github.com/nulpointcorp/inferno/internal/ratelimit"
	"github.com/nulpointcorp/inferno/internal/store"
)

// initInfra establishes external connections and bootstraps the Postgres
// schema. Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		addr := a.cfg.Redis.Addr()
		a.log.Info("connecting to redis", slog.String("addr", addr))

		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	a.log.Info("connecting to postgres")
	db, err := store.Connect(ctx, a.cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.db = db

	if err := a.db.EnsureSchema(ctx); err != nil {
		return err
	}
	a.log.Info("postgres connected, schema ensured")

	return nil
}

// initBus creates the Kafka producer and the two consumers: the worker
// consumer in the shared group (one item handled once across the fleet) and
// the dispatcher consumer in a per-replica group (every replica sees every
// response frame).
func (a *App) initBus(_ context.Context) error {
	brokers := a.cfg.Kafka.Brokers()

	a.producer = bus.NewProducer(brokers, a.log)
	a.workerConsumer = bus.NewConsumer(brokers, a.cfg.Kafka.Topic, a.cfg.Kafka.GroupID, a.log)

	dispGroup := proxy.DispatcherGroupID()
	a.dispConsumer = bus.NewConsumer(brokers, a.cfg.Kafka.ResponseTopic, dispGroup, a.log)

	a.log.Info("bus initialised",
		slog.Any("brokers", brokers),
		slog.String("worker_group", a.cfg.Kafka.GroupID),
		slog.String("dispatcher_group", dispGroup),
	)

	return nil
}

// initServices creates the response cache, rate limiter, inference log
// writer and Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = infCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	logw, err := logwriter.New(ctx, a.db, a.log)
	if err != nil {
		return err
	}
	a.logw = logw

	return nil
}

// initGateway wires the waiter registry, worker, dispatcher, gateway and
// HTTP server together.
func (a *App) initGateway(_ context.Context) error {
	a.registry = proxy.NewWaiterRegistry(a.log)
	a.registry.SetDropCallbacks(a.prom.FrameDroppedFull, a.prom.FrameDroppedNoID)

	// ── Cache ─────────────────────────────────────────────────────────────────
	var respCache *infCache.ResponseCache
	switch a.cfg.Cache.Mode {
	case "redis":
		respCache = infCache.NewResponseCache(
			infCache.NewExactCacheFromClient(a.rdb), a.cfg.Cache.TTL, a.log)
	case "memory":
		respCache = infCache.NewResponseCache(a.memCache, a.cfg.Cache.TTL, a.log)
	case "none":
		// nil cache — gateway skips lookups and stores.
	}

	// ── Worker + dispatcher ───────────────────────────────────────────────────
	backend := proxy.NewBackendClient(a.cfg.Backend.URL, a.cfg.Backend.RequestTimeout, a.log)

	breaker := proxy.NewCircuitBreaker(a.cfg.CircuitBreaker.FailMax, a.cfg.CircuitBreaker.ResetTimeout)
	breaker.SetStateChangeCallback(a.prom.SetCircuitBreaker)

	a.worker = proxy.NewWorker(a.workerConsumer, a.producer, a.cfg.Kafka.ResponseTopic,
		backend, breaker, a.prom, a.log)
	a.dispatcher = proxy.NewDispatcher(a.dispConsumer, a.registry, a.prom, a.log)

	// ── Gateway ───────────────────────────────────────────────────────────────
	var limiter proxy.Limiter
	if a.rdb != nil {
		limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.Times, a.cfg.RateLimit.Window())
		a.log.Info("rate limiting enabled",
			slog.Int("times", a.cfg.RateLimit.Times),
			slog.Int("seconds", a.cfg.RateLimit.Seconds),
		)
	}

	gw := proxy.NewGateway(proxy.GatewayOptions{
		Producer:        a.producer,
		RequestTopic:    a.cfg.Kafka.Topic,
		Registry:        a.registry,
		Cache:           respCache,
		Tokens:          a.db,
		Limiter:         limiter,
		LogWriter:       a.logw,
		ResponseTimeout: a.cfg.ResponseTimeout,
		Metrics:         a.prom,
		Logger:          a.log,
	})

	var ws *proxy.WSHandler
	if a.cfg.WebSocketSecret != "" {
		ws = proxy.NewWSHandler(gw, a.cfg.WebSocketSecret, a.cfg.ResponseTimeout, a.log)
	} else {
		a.log.Warn("WEBSOCKET_SECRET_KEY not set; WebSocket surface disabled")
	}

	a.srv = proxy.NewServer(proxy.ServerOptions{
		Gateway:     gw,
		WS:          ws,
		Metrics:     a.prom,
		Brokers:     a.cfg.Kafka.Brokers(),
		CORSOrigins: a.cfg.CORSOrigins,
	})

	return nil
}

// connectRedis dials addr and verifies connectivity with a PING.
func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
