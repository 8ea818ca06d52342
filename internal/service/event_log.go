package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"secmon/internal/clock"
	"secmon/internal/metrics"
	"secmon/internal/models"
	"secmon/internal/util"

	"go.uber.org/zap"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// EventStore is the persistence contract of the security event log.
type EventStore interface {
	Insert(ctx context.Context, ev *models.SecurityEvent) error
	Count(ctx context.Context, f models.EventFilter, since time.Time) (int64, error)
	Recent(ctx context.Context, f models.EventFilter, limit int) ([]models.SecurityEvent, error)
	Span(ctx context.Context, f models.EventFilter) (*models.RequestStats, error)
	Delete(ctx context.Context, f models.EventFilter) (int64, error)
}

// EventPublisher forwards stored events to secondary sinks.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *models.SecurityEvent)
}

// EventInput represents a security event to append
type EventInput struct {
	EventType models.EventType `json:"event_type"`
	SourceIP  string           `json:"source_ip"`
	Endpoint  string           `json:"endpoint,omitempty"`
	APIKey    string           `json:"api_key,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Metadata  models.Metadata  `json:"metadata,omitempty"`
}

// EventLog is the append-only record of security events. It doubles as the
// relational request log of the rate limiter.
type EventLog struct {
	store     EventStore
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// NewEventLog creates a new event log. publisher may be nil.
func NewEventLog(store EventStore, publisher EventPublisher, clk clock.Clock, logger *zap.Logger, rec *metrics.Recorder) *EventLog {
	return &EventLog{
		store:     store,
		publisher: publisher,
		clock:     clock.OrReal(clk),
		logger:    util.OrNop(logger),
		metrics:   rec,
	}
}

// Record validates and appends one event, then publishes it best-effort.
func (l *EventLog) Record(ctx context.Context, in EventInput) (*models.SecurityEvent, error) {
	eventType, err := models.ParseEventType(string(in.EventType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if strings.TrimSpace(in.SourceIP) == "" {
		return nil, fmt.Errorf("%w: source ip is required", ErrValidation)
	}

	ev := &models.SecurityEvent{
		EventType: eventType,
		SourceIP:  normalizeAddress(in.SourceIP),
		Endpoint:  strings.TrimSpace(in.Endpoint),
		APIKey:    strings.TrimSpace(in.APIKey),
		Metadata:  in.Metadata,
		Detail:    util.SanitizeInput(in.Detail),
	}
	if eventType != models.EventRequest && util.ContainsSuspicious(ev.Endpoint) {
		meta := models.Metadata{"suspicious_endpoint": true}
		for k, v := range in.Metadata {
			meta[k] = v
		}
		ev.Metadata = meta
	}
	if err := l.insert(ctx, ev); err != nil {
		return nil, err
	}

	if l.publisher != nil && eventType != models.EventRequest {
		l.publisher.PublishEvent(ctx, ev)
	}
	return ev, nil
}

func (l *EventLog) insert(ctx context.Context, ev *models.SecurityEvent) error {
	if err := l.store.Insert(ctx, ev); err != nil {
		l.logger.Error("Failed to record security event",
			util.IP(ev.SourceIP),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err))
		return fmt.Errorf("%w: record %s event: %v", ErrStore, ev.EventType, err)
	}
	l.metrics.EventRecorded(string(ev.EventType))
	return nil
}

// CountSince counts events matching filter within the trailing window.
// Store errors are logged and count as zero.
func (l *EventLog) CountSince(ctx context.Context, filter models.EventFilter, window time.Duration) int64 {
	n, err := l.count(ctx, filter, window)
	if err != nil {
		l.logger.Warn("Event count failed, treating as zero",
			util.IP(filter.SourceIP),
			zap.String("event_type", string(filter.EventType)),
			zap.Error(err))
		l.metrics.FailOpen("count_events")
		return 0
	}
	return n
}

func (l *EventLog) count(ctx context.Context, filter models.EventFilter, window time.Duration) (int64, error) {
	if filter.SourceIP != "" {
		filter.SourceIP = normalizeAddress(filter.SourceIP)
	}
	return l.store.Count(ctx, filter, l.clock.Now().Add(-window))
}

// Recent returns the newest matching events.
func (l *EventLog) Recent(ctx context.Context, filter models.EventFilter, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	if filter.SourceIP != "" {
		filter.SourceIP = normalizeAddress(filter.SourceIP)
	}
	events, err := l.store.Recent(ctx, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent events: %v", ErrStore, err)
	}
	return events, nil
}

// CountRequests counts request markers in the trailing window.
func (l *EventLog) CountRequests(ctx context.Context, sourceIP, endpoint, apiKey string, window time.Duration) (int64, error) {
	return l.count(ctx, requestFilter(sourceIP, endpoint, apiKey), window)
}

// RecordRequest appends one request marker. Markers are not published to sinks.
func (l *EventLog) RecordRequest(ctx context.Context, sourceIP, endpoint, apiKey string) error {
	_, err := l.Record(ctx, EventInput{
		EventType: models.EventRequest,
		SourceIP:  sourceIP,
		Endpoint:  endpoint,
		APIKey:    apiKey,
	})
	return err
}

// RequestStats summarizes the retained request markers of a source.
func (l *EventLog) RequestStats(ctx context.Context, sourceIP, endpoint string) (*models.RequestStats, error) {
	return l.store.Span(ctx, requestFilter(sourceIP, endpoint, ""))
}

// ResetRequests deletes request markers only; other event types are kept.
func (l *EventLog) ResetRequests(ctx context.Context, sourceIP, endpoint string) (int64, error) {
	return l.store.Delete(ctx, requestFilter(sourceIP, endpoint, ""))
}

func requestFilter(sourceIP, endpoint, apiKey string) models.EventFilter {
	return models.EventFilter{
		SourceIP:  normalizeAddress(sourceIP),
		EventType: models.EventRequest,
		Endpoint:  strings.TrimSpace(endpoint),
		APIKey:    strings.TrimSpace(apiKey),
	}
}
