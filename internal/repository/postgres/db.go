package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"secmon/internal/config"
	"secmon/internal/models"
	"secmon/internal/util"
)

type Options struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
}

type Option func(*Options)

func WithExistingDB(db *gorm.DB) Option {
	return func(o *Options) {
		o.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(o *Options) {
		o.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(o *Options) {
		o.AutoMigrate = enabled
	}
}

// Models lists every table owned by the enforcement core.
func Models() []any {
	return []any{
		&models.IPListEntry{},
		&models.SecurityEvent{},
		&models.AlertRecord{},
	}
}

// Open connects to the relational store described by cfg. Options override
// the dialector (tests use sqlite) or hand in an existing connection.
func Open(cfg config.DatabaseConfig, log *zap.Logger, opts ...Option) (*gorm.DB, error) {
	o := Options{
		Dialector:   postgres.Open(cfg.DSN),
		Logger:      gormLogger(log),
		AutoMigrate: cfg.AutoMigrate,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log = util.OrNop(log)

	var db *gorm.DB
	switch {
	case o.ExistingDB != nil:
		db = o.ExistingDB
	case o.Dialector != nil:
		var err error
		db, err = gorm.Open(o.Dialector, &gorm.Config{Logger: o.Logger})
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		configurePool(db, cfg)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if o.AutoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			if o.ExistingDB == nil {
				_ = Close(db)
			}
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Info("database migration completed")
	}
	return db, nil
}

// Ping verifies the underlying connection for health checks.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func configurePool(db *gorm.DB, cfg config.DatabaseConfig) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func gormLogger(log *zap.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
