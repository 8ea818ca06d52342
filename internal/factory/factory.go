package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"secmon/internal/bucketing"
	"secmon/internal/client"
	"secmon/internal/clock"
	"secmon/internal/config"
	"secmon/internal/metrics"
	"secmon/internal/notify"
	"secmon/internal/repository/postgres"
	redisrepo "secmon/internal/repository/redis"
	"secmon/internal/repository/scylla"
	"secmon/internal/service"
	"secmon/internal/sink"
	"secmon/internal/tls"
	"secmon/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	metrics    *metrics.Recorder
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// System of record
	db        *gorm.DB
	dialector gorm.Dialector
	ping      func(context.Context, *gorm.DB) error

	// Optional clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager
	requestWindow    *redisrepo.RequestWindow
	fanout           *sink.Fanout
	channels         []notify.NotificationChannel
	serviceFactory   *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// Option customizes a Factory before its dependencies are initialized.
type Option func(*Factory)

// WithDB reuses an already opened database instead of dialing the DSN.
func WithDB(db *gorm.DB) Option {
	return func(f *Factory) { f.db = db }
}

// WithDialector opens the system of record through d instead of the
// configured Postgres DSN.
func WithDialector(d gorm.Dialector) Option {
	return func(f *Factory) { f.dialector = d }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(f *Factory) { f.clock = c }
}

// NewFactory creates and initializes all application dependencies
func NewFactory(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Factory, error) {
	factory := &Factory{
		config:  cfg,
		logger:  util.OrNop(logger),
		metrics: metrics.New(),
		clock:   clock.Real(),
		ping:    postgres.Ping,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(factory)
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, !cfg.IsProduction(), factory.logger.Named("tls"))
	}

	if err := factory.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeSinks()
	factory.initializeChannels()

	factory.logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Int("sinks", factory.fanout.Len()),
		zap.Int("channels", len(factory.channels)),
	)
	return factory, nil
}

func (f *Factory) initializeDatabase() error {
	if f.db != nil {
		return nil
	}
	opts := []postgres.Option{postgres.WithAutoMigrate(f.config.Database.AutoMigrate)}
	if f.dialector != nil {
		opts = append(opts, postgres.WithDialector(f.dialector))
	}
	db, err := postgres.Open(f.config.Database, f.logger.Named("database"), opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.ping(ctx, db); err != nil {
		if closeErr := postgres.Close(db); closeErr != nil {
			f.logger.Error("Failed to close database after health check failure", zap.Error(closeErr))
		}
		return fmt.Errorf("database health check: %w", err)
	}
	f.db = db
	f.logger.Info("Database initialized and healthy")
	return nil
}

// initializeClients dials every enabled optional backend. Only the Redis
// request window is critical; the rest degrade to a warning.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error
	cfg := f.config

	if cfg.Redis.Enabled {
		if c, err := client.NewRedisClient(cfg, f.logger.Named("redis")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			f.logger.Info("Redis client initialized and healthy")
		}
	}
	if cfg.RateLimit.Backend == config.BackendRedis {
		if f.redisClient == nil {
			return errors.Join(append(initErrors, errors.New("redis rate limit backend is unavailable"))...)
		}
		f.requestWindow = redisrepo.NewRequestWindow(f.redisClient, f.clock, cfg.Redis.Retention, f.logger.Named("request_window"))
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg, f.logger.Named("scylla")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing.EventBuckets)
			f.logger.Info("ScyllaDB client initialized and healthy")
		}
	}

	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg, f.logger.Named("kafka")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = p
			f.logger.Info("Kafka producer initialized")
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, f.logger.Named("elasticsearch")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			f.logger.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, f.logger.Named("clickhouse")); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = c
			f.logger.Info("ClickHouse client initialized and healthy")
		}
	}

	for _, err := range initErrors {
		f.logger.Warn("Optional backend unavailable, continuing without it", zap.Error(err))
	}
	return nil
}

func (f *Factory) initializeSinks() {
	var sinks []sink.Sink

	if f.kafkaProducer != nil {
		sinks = append(sinks, sink.NewKafkaSink(f.kafkaProducer, f.config.Kafka.EventTopic, f.config.Kafka.AlertTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, sink.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.EventIndex, f.config.Elasticsearch.AlertIndex))
	}
	if f.clickhouseClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s, err := sink.NewClickHouseSink(ctx, f.clickhouseClient); err != nil {
			f.logger.Warn("ClickHouse sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if f.scyllaClient != nil {
		archive := scylla.NewEventArchive(f.scyllaClient, f.bucketingManager, f.logger.Named("archive"))
		sinks = append(sinks, sink.NewArchiveSink(archive))
	}

	f.fanout = sink.NewFanout(f.logger.Named("sinks"), f.metrics, f.config.Alerts.DeliveryTimeout, sinks...)
}

// initializeChannels always registers both channels; a disabled channel is
// reported as unavailable on every send.
func (f *Factory) initializeChannels() {
	f.channels = []notify.NotificationChannel{
		notify.NewMailChannel(f.config.Alerts.Mail),
		notify.NewWebhookChannel(f.config.Alerts.Webhook, nil),
	}
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var window service.RequestLog
		if f.requestWindow != nil {
			window = f.requestWindow
		}
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.db,
			f.clock,
			f.fanout,
			window,
			f.channels,
			f.logger,
			f.metrics,
		)
	}
	return f.serviceFactory
}

// HealthReport checks every initialized backend concurrently.
func (f *Factory) HealthReport(ctx context.Context) map[string]error {
	var (
		mu     sync.Mutex
		report = make(map[string]error)
	)
	check := func(name string, fn func(context.Context) error) func() error {
		return func() error {
			err := fn(ctx)
			mu.Lock()
			report[name] = err
			mu.Unlock()
			return nil
		}
	}

	var g errgroup.Group
	g.Go(check("database", func(ctx context.Context) error { return postgres.Ping(ctx, f.db) }))
	if f.redisClient != nil {
		g.Go(check("redis", f.redisClient.HealthCheck))
	}
	if f.scyllaClient != nil {
		g.Go(check("scylla", f.scyllaClient.HealthCheck))
	}
	if f.kafkaProducer != nil {
		g.Go(check("kafka", f.kafkaProducer.HealthCheck))
	}
	if f.esClient != nil {
		g.Go(check("elasticsearch", f.esClient.HealthCheck))
	}
	if f.clickhouseClient != nil {
		g.Go(check("clickhouse", f.clickhouseClient.HealthCheck))
	}
	_ = g.Wait()
	return report
}

// HealthCheck fails when a backend the decisions depend on is down. Sink
// outages only show up in HealthReport.
func (f *Factory) HealthCheck(ctx context.Context) error {
	report := f.HealthReport(ctx)
	critical := []string{"database"}
	if f.requestWindow != nil {
		critical = append(critical, "redis")
	}

	var failed []string
	for _, name := range critical {
		if err := report[name]; err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return errors.New(strings.Join(failed, "; "))
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			} else {
				f.logger.Info("Kafka producer closed")
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", zap.Error(err))
			} else {
				f.logger.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			f.logger.Info("Elasticsearch client closed")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			f.logger.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			} else {
				f.logger.Info("Redis client closed")
			}
		}

		if f.db != nil {
			if err := postgres.Close(f.db); err != nil {
				f.logger.Error("Failed to close database", zap.Error(err))
			} else {
				f.logger.Info("Database closed")
			}
		}

		f.logger.Info("Factory shutdown completed")
		_ = f.logger.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Metrics() *metrics.Recorder {
	return f.metrics
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
