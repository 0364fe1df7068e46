package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/audit"
	"github.com/soulsense/sentinel/internal/blob"
	"github.com/soulsense/sentinel/internal/config"
	"github.com/soulsense/sentinel/internal/dbrouter"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"github.com/soulsense/sentinel/internal/outbox"
	"github.com/soulsense/sentinel/internal/scrub"
	"github.com/soulsense/sentinel/internal/search"
	"github.com/soulsense/sentinel/internal/store"
	"github.com/soulsense/sentinel/internal/vector"
	"go.uber.org/zap"
)

// app holds the connections shared by every subcommand. Optional backends
// stay nil when unconfigured or unreachable.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	primary *sql.DB
	replica *sql.DB
	redis   *redis.Client
	search  *search.Client

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.reg)

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	primary, err := store.Open(ctx, cfg.PostgresDSN, store.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	a.primary = primary
	a.closers = append(a.closers, func() { _ = primary.Close() })
	logger.Info("postgres connected")

	if cfg.PostgresReplicaDSN != "" {
		replica, err := store.Open(ctx, cfg.PostgresReplicaDSN, store.DefaultPoolConfig())
		if err != nil {
			logger.Warn("replica connection failed, reading from primary", zap.Error(err))
		} else {
			a.replica = replica
			a.closers = append(a.closers, func() { _ = replica.Close() })
			logger.Info("postgres replica connected")
		}
	}

	client, err := faststore.New(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))

	if len(cfg.ElasticsearchURLs) > 0 {
		sc, err := search.New(ctx, search.Config{
			Addresses:   cfg.ElasticsearchURLs,
			Username:    cfg.ElasticsearchUser,
			Password:    cfg.ElasticsearchPassword,
			IndexPrefix: cfg.SearchIndexPrefix,
		}, logger)
		if err != nil {
			logger.Warn("elasticsearch connection failed, search indexing disabled", zap.Error(err))
		} else {
			a.search = sc
			logger.Info("elasticsearch connected")
		}
	} else {
		logger.Info("no ELASTICSEARCH_URLS set, search indexing disabled")
	}

	return a, nil
}

// close releases connections in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) notifier() *faststore.Notifier {
	return faststore.NewNotifier(a.redis, a.logger)
}

func (a *app) dbRouter() *dbrouter.Router {
	return dbrouter.New(dbrouter.Config{
		Primary:   a.primary,
		Replica:   a.replica,
		Client:    a.redis,
		LagWindow: a.cfg.LagWindow,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

// auditPublisher returns the Kafka publisher, or a log publisher without
// brokers.
func (a *app) auditPublisher() audit.Publisher {
	if len(a.cfg.KafkaBrokers) == 0 {
		a.logger.Info("no KAFKA_BROKERS set, audit events go to the log")
		return audit.NewLogPublisher(a.logger)
	}
	pub := audit.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.AuditTopic, a.logger)
	a.logger.Info("kafka audit publisher configured", zap.Strings("brokers", a.cfg.KafkaBrokers))
	return pub
}

// relays builds one relay per topic that has a destination.
func (a *app) relays(pub audit.Publisher) ([]*outbox.Relay, error) {
	validator, err := outbox.NewValidator()
	if err != nil {
		return nil, err
	}
	st := outbox.NewSQLStore(a.primary)

	relays := []*outbox.Relay{outbox.NewRelay(outbox.RelayConfig{
		Store:     st,
		Topic:     outbox.TopicAudit,
		Handler:   outbox.NewAuditHandler(pub),
		Validator: validator,
		BatchSize: a.cfg.RelayBatchSize,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})}

	if a.search != nil {
		relays = append(relays, outbox.NewRelay(outbox.RelayConfig{
			Store:     st,
			Topic:     outbox.TopicSearchIndexing,
			Handler:   outbox.NewSearchHandler(outbox.NewSQLJournalSource(a.primary), a.search, a.logger),
			Validator: validator,
			BatchSize: a.cfg.RelayBatchSize,
			Limiter:   newIndexLimiter(a.cfg.IndexRate),
			Logger:    a.logger,
			Metrics:   a.metrics,
		}))
	}
	return relays, nil
}

// saga wires the scrub saga to every configured asset store.
func (a *app) saga(ctx context.Context) *scrub.Saga {
	files := blob.NewRouter(a.cfg.ExportScheme, a.cfg.ExportBucket)
	if s3d, err := blob.NewS3Deleter(ctx, a.cfg.S3); err != nil {
		a.logger.Warn("s3 deleter unavailable", zap.Error(err))
	} else {
		files.Register("s3", s3d)
	}
	if a.cfg.GCSCredentialsFile != "" {
		gcs, err := blob.NewGCSDeleter(ctx, a.cfg.GCSCredentialsFile)
		if err != nil {
			a.logger.Warn("gcs deleter unavailable", zap.Error(err))
		} else {
			files.Register("gs", gcs)
			a.closers = append(a.closers, func() { _ = gcs.Close() })
		}
	}

	var vectors vector.Multi
	if a.cfg.WeaviateHost != "" {
		wv, err := vector.NewWeaviatePurger(vector.WeaviateConfig{
			Host:    a.cfg.WeaviateHost,
			Scheme:  a.cfg.WeaviateScheme,
			Classes: a.cfg.WeaviateClasses,
		}, a.logger)
		if err != nil {
			a.logger.Warn("weaviate purger unavailable", zap.Error(err))
		} else {
			vectors = append(vectors, wv)
		}
	}
	if a.search != nil {
		vectors = append(vectors, vector.NewSearchPurger(a.search, outbox.JournalEntity))
	}

	return scrub.New(scrub.Config{
		Store:   scrub.NewSQLStore(a.primary),
		Client:  a.redis,
		Files:   files,
		Vectors: vectors,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}
