package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/sarathsp06/herald/internal/config"
	connectserver "github.com/sarathsp06/herald/internal/connect"
	grpcserver "github.com/sarathsp06/herald/internal/grpc"
	"github.com/sarathsp06/herald/internal/httpapi"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/observability"
	"github.com/sarathsp06/herald/internal/queue"
	"github.com/sarathsp06/herald/internal/retention"
	"github.com/sarathsp06/herald/internal/webhooks"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Logger.Error("Herald exited with error", "error", err)
		os.Exit(1)
	}
}

// storage is the selected Store plus what has to be released on exit.
type storage struct {
	store webhooks.Store
	pool  *pgxpool.Pool
	ping  func(context.Context) error
	close func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := webhooks.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storage{store: s, close: func() { _ = s.Close() }}, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := webhooks.NewRepository(pool)
		return &storage{store: repo, pool: pool, ping: repo.Ping, close: pool.Close}, nil

	default:
		return &storage{store: webhooks.NewMemoryStore(), close: func() {}}, nil
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log := logger.NewLogger("main")

	if cfg.OTelEnabled {
		telemetry, err := observability.Setup(ctx,
			observability.WithEndpoint(cfg.OTelEndpoint),
			observability.WithEnvironment(cfg.Environment),
			observability.WithSampleRatio(cfg.OTelSampleRatio),
		)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx); err != nil {
				log.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
	}
	metrics, err := observability.NewHeraldMetrics(observability.GetMeter(observability.ServiceName))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := webhooks.Options{
		Store:            st.store,
		Metrics:          metrics,
		AutoDisableAfter: cfg.AutoDisableAfter,
	}
	var redisPing func(context.Context) error
	if cfg.RateLimitPerMinute > 0 {
		if cfg.RedisURL != "" {
			client, err := webhooks.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()
			opts.Limiter = webhooks.NewRedisLimiter(client, cfg.RateLimitPerMinute, time.Minute)
			redisPing = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		} else {
			opts.Limiter = webhooks.NewMemoryLimiter(cfg.RateLimitPerMinute)
		}
	}

	var manager *queue.Manager
	if cfg.Scheduler == config.SchedulerRiver {
		manager, err = queue.NewManager(st.pool)
		if err != nil {
			return err
		}
		opts.Scheduler = manager
	}

	registry := webhooks.NewRegistry(opts)
	defer registry.Close()

	loaded, err := registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	log.Info("Subscriptions loaded", "count", loaded, "store", cfg.Store)

	var publisher connectserver.EventPublisher
	if manager != nil {
		manager.RegisterWorkers(registry, registry)
		if err := manager.Start(ctx); err != nil {
			return err
		}
		publisher = manager
	}
	// Deliveries whose job was lost, or never inserted, are only found in
	// the store. Jobs that are still queued for them become no-ops.
	recovered, err := registry.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending deliveries: %w", err)
	}
	log.Info("Pending deliveries rescheduled", "count", recovered)

	var pruner *retention.Job
	if cfg.Retention > 0 {
		pruner, err = retention.New(registry, cfg.Retention, cfg.RetentionSchedule)
		if err != nil {
			return err
		}
		pruner.Start()
	}

	api := httpapi.NewServer(registry, publisher, promRegistry)
	if st.ping != nil {
		api.AddReadinessCheck("database", st.ping)
	}
	if redisPing != nil {
		api.AddReadinessCheck("redis", redisPing)
	}
	connectPath, connectHandler, err := connectserver.NewWebhookConnectServer(registry, publisher).Handler()
	if err != nil {
		return err
	}
	api.Mount(connectPath, connectHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h2c.NewHandler(api.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var health *grpcserver.HealthServer
	var grpcListener net.Listener
	if cfg.GRPCAddr != "" {
		grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		health = grpcserver.NewHealthServer(connectserver.ServiceName)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr, "connect_path", connectPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if health != nil {
		g.Go(func() error { return health.Serve(grpcListener) })
		if st.ping != nil {
			go health.WatchReadiness(gctx, 5*time.Second, st.ping)
		}
	}

	<-gctx.Done()
	log.Info("Shutting down", "reason", context.Cause(gctx))
	shutdown(cfg.ShutdownTimeout, log, httpServer, health, pruner, manager)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func shutdown(timeout time.Duration, log *slog.Logger, httpServer *http.Server, health *grpcserver.HealthServer, pruner *retention.Job, manager *queue.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if health != nil {
		health.Stop(ctx)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	if pruner != nil {
		pruner.Stop(ctx)
	}
	if manager != nil {
		if err := manager.Stop(ctx); err != nil {
			log.Error("Queue manager shutdown failed", "error", err)
		}
	}
}
