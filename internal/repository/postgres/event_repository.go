package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secmon/internal/clock"
	"secmon/internal/models"
)

// EventRepository is the only read/write path to security_events.
type EventRepository struct {
	db      *gorm.DB
	clock   clock.Clock
	timeout time.Duration
}

func NewEventRepository(db *gorm.DB, clk clock.Clock, timeout time.Duration) *EventRepository {
	return &EventRepository{db: db, clock: clock.OrReal(clk), timeout: timeout}
}

// Insert assigns ID and OccurredAt and appends the event.
func (r *EventRepository) Insert(ctx context.Context, ev *models.SecurityEvent) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.OccurredAt = r.clock.Now()

	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("insert %s event for %s: %w", ev.EventType, ev.SourceIP, err)
	}
	return nil
}

// Count returns the number of events matching f with OccurredAt >= since.
func (r *EventRepository) Count(ctx context.Context, f models.EventFilter, since time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	err := r.filtered(ctx, f).
		Where("occurred_at >= ?", since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Recent returns up to limit matching events, newest first.
func (r *EventRepository) Recent(ctx context.Context, f models.EventFilter, limit int) ([]models.SecurityEvent, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var events []models.SecurityEvent
	err := r.filtered(ctx, f).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Span returns the count and the first/last OccurredAt of matching events.
func (r *EventRepository) Span(ctx context.Context, f models.EventFilter) (*models.RequestStats, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	stats := &models.RequestStats{}
	if err := r.filtered(ctx, f).Count(&stats.Count).Error; err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}

	var first, last models.SecurityEvent
	if err := r.filtered(ctx, f).Select("occurred_at").Order("occurred_at ASC").Take(&first).Error; err != nil {
		return nil, spanErr(err)
	}
	if err := r.filtered(ctx, f).Select("occurred_at").Order("occurred_at DESC").Take(&last).Error; err != nil {
		return nil, spanErr(err)
	}
	stats.FirstSeen = &first.OccurredAt
	stats.LastSeen = &last.OccurredAt
	return stats, nil
}

// Delete removes matching events. A source IP and an event type are required
// so a filter can never wipe the table.
func (r *EventRepository) Delete(ctx context.Context, f models.EventFilter) (int64, error) {
	if f.SourceIP == "" || f.EventType == "" {
		return 0, fmt.Errorf("delete events: source ip and event type are required")
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res := r.filtered(ctx, f).Delete(&models.SecurityEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *EventRepository) filtered(ctx context.Context, f models.EventFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.SecurityEvent{})
	if f.SourceIP != "" {
		q = q.Where("source_ip = ?", f.SourceIP)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Endpoint != "" {
		q = q.Where("endpoint = ?", f.Endpoint)
	}
	if f.APIKey != "" {
		q = q.Where("api_key = ?", f.APIKey)
	}
	return q
}

func spanErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("event span changed during read: %w", err)
	}
	return fmt.Errorf("read event span: %w", err)
}
