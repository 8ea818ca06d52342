package sink

import (
	"context"
	"fmt"

	"secmon/internal/models"
)

const (
	clickhouseEventsDDL = `
        CREATE TABLE IF NOT EXISTS security_events (
            id String,
            event_type LowCardinality(String),
            source_ip String,
            endpoint String,
            api_key String,
            occurred_at DateTime64(3, 'UTC'),
            detail String,
            metadata String
        ) ENGINE = MergeTree
        PARTITION BY toYYYYMM(occurred_at)
        ORDER BY (source_ip, event_type, occurred_at)`

	clickhouseAlertsDDL = `
        CREATE TABLE IF NOT EXISTS alert_records (
            id String,
            component LowCardinality(String),
            severity LowCardinality(String),
            alert_type String,
            message String,
            metadata String,
            suppressed Bool,
            created_at DateTime64(3, 'UTC')
        ) ENGINE = MergeTree
        PARTITION BY toYYYYMM(created_at)
        ORDER BY (component, alert_type, created_at)`

	clickhouseInsertEvent = `INSERT INTO security_events (id, event_type, source_ip, endpoint, api_key, occurred_at, detail, metadata)`
	clickhouseInsertAlert = `INSERT INTO alert_records (id, component, severity, alert_type, message, metadata, suppressed, created_at)`
)

// Analytics is satisfied by client.ClickHouseClient.
type Analytics interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	db Analytics
}

// NewClickHouseSink creates the analytics tables when missing.
func NewClickHouseSink(ctx context.Context, db Analytics) (*ClickHouseSink, error) {
	for _, ddl := range []string{clickhouseEventsDDL, clickhouseAlertsDDL} {
		if err := db.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return &ClickHouseSink{db: db}, nil
}

func (c *ClickHouseSink) Name() string { return "clickhouse" }

func (c *ClickHouseSink) PublishEvent(ctx context.Context, ev *models.SecurityEvent) error {
	return c.db.BatchInsert(ctx, clickhouseInsertEvent, [][]interface{}{{
		ev.ID, string(ev.EventType), ev.SourceIP, ev.Endpoint, ev.APIKey,
		ev.OccurredAt, ev.Detail, ev.Metadata.String(),
	}})
}

func (c *ClickHouseSink) PublishAlert(ctx context.Context, rec *models.AlertRecord) error {
	return c.db.BatchInsert(ctx, clickhouseInsertAlert, [][]interface{}{{
		rec.ID, rec.Component, string(rec.Severity), rec.AlertType, rec.Message,
		rec.Metadata.String(), rec.Suppressed, rec.CreatedAt,
	}})
}
