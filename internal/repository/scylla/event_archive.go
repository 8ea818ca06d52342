package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"secmon/internal/bucketing"
	"secmon/internal/models"
)

// Executor runs one CQL statement with retries.
type Executor interface {
	ExecuteWithRetry(ctx context.Context, stmt string, maxRetries int, values ...interface{}) error
}

// EventArchive keeps a long-retention copy of events and alerts, partitioned
// by (bucket, day) so one noisy source cannot build an unbounded partition.
type EventArchive struct {
	exec    Executor
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
}

func NewEventArchive(exec Executor, buckets *bucketing.BucketingManager, logger *zap.Logger) *EventArchive {
	return &EventArchive{exec: exec, buckets: buckets, logger: logger}
}

func (a *EventArchive) ArchiveEvent(ctx context.Context, ev *models.SecurityEvent) error {
	id, err := gocql.ParseUUID(ev.ID)
	if err != nil {
		return fmt.Errorf("archive event: invalid id %q: %w", ev.ID, err)
	}
	assign := a.buckets.Assign(ev.SourceIP, ev.OccurredAt)

	err = a.exec.ExecuteWithRetry(ctx, insertEventCQL, 2,
		assign.EventBucket, assign.DateBucket, ev.OccurredAt, id, string(ev.EventType),
		ev.SourceIP, ev.Endpoint, ev.APIKey, ev.Detail, ev.Metadata.String())
	if err != nil {
		return fmt.Errorf("archive event %s: %w", ev.ID, err)
	}

	a.logger.Debug("event archived",
		zap.String("event_id", ev.ID),
		zap.Int("event_bucket", assign.EventBucket),
		zap.String("event_date", assign.DateBucket))
	return nil
}

func (a *EventArchive) ArchiveAlert(ctx context.Context, rec *models.AlertRecord) error {
	id, err := gocql.ParseUUID(rec.ID)
	if err != nil {
		return fmt.Errorf("archive alert: invalid id %q: %w", rec.ID, err)
	}

	err = a.exec.ExecuteWithRetry(ctx, insertAlertCQL, 2,
		rec.Component, a.buckets.GetDateBucket(rec.CreatedAt), rec.CreatedAt, id,
		string(rec.Severity), rec.AlertType, rec.Message, rec.Metadata.String(), rec.Suppressed)
	if err != nil {
		return fmt.Errorf("archive alert %s: %w", rec.ID, err)
	}
	return nil
}

