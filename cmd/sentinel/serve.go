package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soulsense/sentinel/internal/api"
	"github.com/soulsense/sentinel/internal/audit"
	"github.com/soulsense/sentinel/internal/config"
	"github.com/soulsense/sentinel/internal/outbox"
	"github.com/soulsense/sentinel/internal/permcache"
	"github.com/soulsense/sentinel/internal/quota"
	"github.com/soulsense/sentinel/internal/ratelimit"
	"github.com/soulsense/sentinel/internal/readmodel"
	"github.com/soulsense/sentinel/internal/store"
	"github.com/soulsense/sentinel/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const healthService = "sentinel.v1.Sentinel"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, gRPC health service and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run only the outbox relay workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		pub := a.auditPublisher()
		defer func() { _ = pub.Close() }()

		g, gctx := errgroup.WithContext(ctx)
		if err := startRelays(gctx, g, a, pub); err != nil {
			return err
		}
		return g.Wait()
	},
}

func newIndexLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
}

func startRelays(ctx context.Context, g *errgroup.Group, a *app, pub audit.Publisher) error {
	relays, err := a.relays(pub)
	if err != nil {
		return err
	}
	n := a.notifier()
	for _, r := range relays {
		w := outbox.NewWorker(r, n, a.cfg.RelayInterval, a.logger)
		g.Go(func() error { return w.Run(ctx) })
	}
	return nil
}

func serve(ctx context.Context) error {
	logger.Info("starting sentinel",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := store.Migrate(ctx, a.primary); err != nil {
		return err
	}

	catalog, err := config.LoadTiers(cfg.TiersFile)
	if err != nil {
		return err
	}

	// Read model: ClickHouse or LogWriter fallback
	var projector readmodel.Writer
	var reader api.UsageReader
	if cfg.ClickHouseDSN != "" {
		w, err := readmodel.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			projector = readmodel.NewLogWriter(logger)
		} else {
			projector = w
			logger.Info("clickhouse writer connected")
		}
		r, err := readmodel.NewReader(ctx, cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = r.Close() }()
			reader = r
		}
	} else {
		projector = readmodel.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer projector.Close()

	pub := a.auditPublisher()
	defer func() { _ = pub.Close() }()
	emitter := audit.NewEmitter(pub, logger)
	defer emitter.Close()

	versions := version.NewStore(a.redis)
	resolver := permcache.NewResolver(
		permcache.NewSQLPrincipalStore(a.primary),
		permcache.NewCache(permcache.CacheConfig{
			Client:   a.redis,
			Versions: versions,
			TTL:      cfg.PermCacheTTL,
			Logger:   logger,
			Metrics:  a.metrics,
		}),
		versions,
		logger,
	)

	quotaStore := quota.NewSQLStore(a.primary)
	quotaSvc := quota.NewService(quota.Config{
		Store:     quotaStore,
		Client:    a.redis,
		Catalog:   catalog,
		Projector: projector,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	syncer := quota.NewSyncer(quota.NewCounters(a.redis), quotaStore, logger)
	ipLimiter := ratelimit.NewIPLimiter(a.redis, logger, a.metrics)

	deps := &api.Dependencies{
		Router:      a.dbRouter(),
		Store:       store.NewStore(),
		Quota:       quotaSvc,
		Permissions: resolver,
		IPLimiter:   ipLimiter,
		Scrubber:    a.saga(ctx),
		Reader:      reader,
		Notifier:    a.notifier(),
		Audit:       emitter,
		Metrics:     promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}),
		Checks: map[string]func(context.Context) error{
			"postgres": a.primary.PingContext,
			"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		},
		Logger: logger,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	if err := startRelays(gctx, g, a, pub); err != nil {
		return err
	}
	g.Go(func() error { return syncer.Run(gctx, cfg.SyncInterval) })
	ipLimiter.Bucket().StartJanitor(gctx, time.Minute)

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("sentinel stopped")
	return nil
}
