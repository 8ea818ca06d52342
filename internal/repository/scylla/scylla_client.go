package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"secmon/internal/config"
)

// Statements are bound per call; gocql prepares and caches them on first use.
const (
	insertEventCQL = `
        INSERT INTO security_events_archive (
            event_bucket, event_date, occurred_at, event_id, event_type,
            source_ip, endpoint, api_key, detail, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertAlertCQL = `
        INSERT INTO alert_records_archive (
            component, alert_date, created_at, alert_id, severity,
            alert_type, message, metadata, suppressed
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

var schemaCQL = []string{
	`CREATE TABLE IF NOT EXISTS security_events_archive (
        event_bucket int,
        event_date text,
        occurred_at timestamp,
        event_id uuid,
        event_type text,
        source_ip text,
        endpoint text,
        api_key text,
        detail text,
        metadata text,
        PRIMARY KEY ((event_bucket, event_date), occurred_at, event_id)
    ) WITH CLUSTERING ORDER BY (occurred_at DESC, event_id ASC)`,
	`CREATE TABLE IF NOT EXISTS alert_records_archive (
        component text,
        alert_date text,
        created_at timestamp,
        alert_id uuid,
        severity text,
        alert_type text,
        message text,
        metadata text,
        suppressed boolean,
        PRIMARY KEY ((component, alert_date), created_at, alert_id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, alert_id ASC)`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
	logger  *zap.Logger
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 100
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  scyllaConfig,
		logger:  logger,
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create archive tables: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schemaCQL {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs stmt, backing off linearly between attempts.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, maxRetries int, values ...interface{}) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		err := s.Session.Query(stmt, values...).WithContext(ctx).Exec()
		if err == nil {
			return nil
		}
		lastErr = err
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}
