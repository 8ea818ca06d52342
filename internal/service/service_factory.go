package service

import (
	"secmon/internal/clock"
	"secmon/internal/config"
	"secmon/internal/metrics"
	"secmon/internal/notify"
	"secmon/internal/repository/postgres"
	"secmon/internal/sink"
	"secmon/internal/util"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	db       *gorm.DB
	clock    clock.Clock
	fanout   *sink.Fanout
	window   RequestLog
	channels []notify.NotificationChannel
	logger   *zap.Logger
	metrics  *metrics.Recorder

	eventLog   *EventLog
	reputation *IPReputationList
	dispatcher *AlertDispatcher
	limiter    *RateLimiter
}

// NewServiceFactory creates a new service factory. window overrides the
// relational request log when the Redis backend is configured; fanout may
// be nil.
func NewServiceFactory(
	cfg *config.Config,
	db *gorm.DB,
	clk clock.Clock,
	fanout *sink.Fanout,
	window RequestLog,
	channels []notify.NotificationChannel,
	logger *zap.Logger,
	rec *metrics.Recorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		db:       db,
		clock:    clock.OrReal(clk),
		fanout:   fanout,
		window:   window,
		channels: channels,
		logger:   util.OrNop(logger),
		metrics:  rec,
	}
}

// EventLog returns the event log instance (singleton)
func (f *ServiceFactory) EventLog() *EventLog {
	if f.eventLog == nil {
		repo := postgres.NewEventRepository(f.db, f.clock, f.cfg.Database.QueryTimeout)
		var publisher EventPublisher
		if f.fanout != nil {
			publisher = f.fanout
		}
		f.eventLog = NewEventLog(repo, publisher, f.clock, f.logger.Named("event_log"), f.metrics)
	}
	return f.eventLog
}

// IPReputationList returns the reputation list instance (singleton)
func (f *ServiceFactory) IPReputationList() *IPReputationList {
	if f.reputation == nil {
		repo := postgres.NewIPListRepository(f.db, f.clock, f.cfg.Database.QueryTimeout)
		f.reputation = NewIPReputationList(
			repo,
			f.EventLog(),
			f.clock,
			f.cfg.Security.DefaultBlockDuration,
			f.logger.Named("ip_reputation"),
			f.metrics,
		)
	}
	return f.reputation
}

// AlertDispatcher returns the alert dispatcher instance (singleton)
func (f *ServiceFactory) AlertDispatcher() *AlertDispatcher {
	if f.dispatcher == nil {
		repo := postgres.NewAlertRepository(f.db, f.clock, f.cfg.Database.QueryTimeout)
		var publisher AlertPublisher
		if f.fanout != nil {
			publisher = f.fanout
		}
		f.dispatcher = NewAlertDispatcher(
			repo,
			publisher,
			f.channels,
			f.cfg.Alerts,
			f.logger.Named("alert_dispatcher"),
			f.metrics,
		)
	}
	return f.dispatcher
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.limiter == nil {
		requests := f.window
		if requests == nil {
			requests = f.EventLog()
		}
		f.limiter = NewRateLimiter(
			f.IPReputationList(),
			requests,
			f.EventLog(),
			f.AlertDispatcher(),
			f.cfg.RateLimit,
			f.logger.Named("rate_limiter"),
			f.metrics,
		)
	}
	return f.limiter
}
