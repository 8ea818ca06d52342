package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secmon/internal/config"
	"secmon/internal/metrics"
	"secmon/internal/models"
	"secmon/internal/notify"
	"secmon/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Delivery outcomes reported per channel.
const (
	DeliveryDelivered   = "delivered"
	DeliveryFailed      = "failed"
	DeliveryUnavailable = "channel_unavailable"
	DeliverySkipped     = "skipped"
)

// AlertStore is the persistence contract of alert records.
type AlertStore interface {
	Insert(ctx context.Context, rec *models.AlertRecord) error
	FiredWithin(ctx context.Context, component, alertType string, window time.Duration) (bool, error)
	Recent(ctx context.Context, component string, limit int) ([]models.AlertRecord, error)
}

// AlertPublisher forwards stored alert records to secondary sinks.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, rec *models.AlertRecord)
}

// AlertInput represents an alert to send
type AlertInput struct {
	Component string          `json:"component"`
	Severity  models.Severity `json:"severity"`
	AlertType string          `json:"alert_type"`
	Message   string          `json:"message"`
	Metadata  models.Metadata `json:"metadata,omitempty"`
}

// DeliveryResult is the outcome of one channel.
type DeliveryResult struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// SendResult describes what Send persisted and delivered.
type SendResult struct {
	Record     *models.AlertRecord `json:"record"`
	Suppressed bool                `json:"suppressed"`
	Recipients []string            `json:"recipients,omitempty"`
	Deliveries []DeliveryResult    `json:"deliveries,omitempty"`
}

// AlertDispatcher persists alerts and fans them out to notification channels.
type AlertDispatcher struct {
	store     AlertStore
	publisher AlertPublisher
	channels  []notify.NotificationChannel
	cfg       config.AlertConfig
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// NewAlertDispatcher creates a new alert dispatcher. publisher may be nil.
func NewAlertDispatcher(
	store AlertStore,
	publisher AlertPublisher,
	channels []notify.NotificationChannel,
	cfg config.AlertConfig,
	logger *zap.Logger,
	rec *metrics.Recorder,
) *AlertDispatcher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	return &AlertDispatcher{
		store:     store,
		publisher: publisher,
		channels:  channels,
		cfg:       cfg,
		logger:    util.OrNop(logger),
		metrics:   rec,
	}
}

// Send persists the alert and delivers it unless an equivalent alert was
// persisted within the dedup window. Channel failures never fail Send.
func (d *AlertDispatcher) Send(ctx context.Context, in AlertInput) (*SendResult, error) {
	in, err := validateAlert(in)
	if err != nil {
		return nil, err
	}

	duplicate := d.cfg.DedupEnabled && d.IsDuplicate(ctx, in.Component, in.AlertType, d.cfg.DedupWindow)

	rec := &models.AlertRecord{
		Component:  in.Component,
		Severity:   in.Severity,
		AlertType:  in.AlertType,
		Message:    in.Message,
		Metadata:   in.Metadata,
		Suppressed: duplicate,
	}
	if err := d.store.Insert(ctx, rec); err != nil {
		d.logger.Error("Failed to persist alert",
			zap.String("component", in.Component),
			zap.String("alert_type", in.AlertType),
			zap.Error(err))
		return nil, fmt.Errorf("%w: persist alert: %v", ErrStore, err)
	}
	d.metrics.AlertSent(string(in.Severity), duplicate)
	// Sinks mirror every persisted record, suppressed ones included.
	if d.publisher != nil {
		d.publisher.PublishAlert(ctx, rec)
	}

	result := &SendResult{Record: rec, Suppressed: duplicate}
	if duplicate {
		d.logger.Info("Alert suppressed as duplicate",
			zap.String("alert_id", rec.ID),
			zap.String("component", in.Component),
			zap.String("alert_type", in.AlertType))
		return result, nil
	}

	result.Recipients = d.Recipients(in.Severity)
	result.Deliveries = d.deliver(ctx, notify.Notification{
		AlertID:    rec.ID,
		Component:  rec.Component,
		Severity:   rec.Severity,
		AlertType:  rec.AlertType,
		Message:    rec.Message,
		Metadata:   rec.Metadata,
		Recipients: result.Recipients,
		CreatedAt:  rec.CreatedAt,
	})
	return result, nil
}

func validateAlert(in AlertInput) (AlertInput, error) {
	in.Component = strings.TrimSpace(in.Component)
	in.AlertType = strings.TrimSpace(in.AlertType)
	in.Message = strings.TrimSpace(in.Message)
	if in.Component == "" || in.AlertType == "" || in.Message == "" {
		return in, fmt.Errorf("%w: component, alert_type and message are required", ErrValidation)
	}
	sev, err := models.ParseSeverity(string(in.Severity))
	if err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	in.Severity = sev
	return in, nil
}

// IsDuplicate reports whether an alert with the same component and type was
// persisted within window. Lookup errors count as not duplicate.
func (d *AlertDispatcher) IsDuplicate(ctx context.Context, component, alertType string, window time.Duration) bool {
	if window <= 0 {
		window = d.cfg.DedupWindow
	}
	fired, err := d.store.FiredWithin(ctx, strings.TrimSpace(component), strings.TrimSpace(alertType), window)
	if err != nil {
		d.logger.Warn("Alert dedup lookup failed, treating as new",
			zap.String("component", component),
			zap.String("alert_type", alertType),
			zap.Error(err))
		d.metrics.FailOpen("alert_dedup")
		return false
	}
	return fired
}

// Recipients resolves the mail recipients of a severity, falling back to the
// default admin.
func (d *AlertDispatcher) Recipients(severity models.Severity) []string {
	var list []string
	switch severity {
	case models.SeverityCritical:
		list = d.cfg.CriticalRecipients
	case models.SeverityWarning:
		list = d.cfg.WarningRecipients
	case models.SeverityInfo:
		list = d.cfg.InfoRecipients
	}
	if len(list) > 0 {
		return append([]string(nil), list...)
	}
	if d.cfg.DefaultAdmin != "" {
		return []string{d.cfg.DefaultAdmin}
	}
	return nil
}

// Recent returns the newest alert records, optionally for one component.
func (d *AlertDispatcher) Recent(ctx context.Context, component string, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	records, err := d.store.Recent(ctx, strings.TrimSpace(component), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent alerts: %v", ErrStore, err)
	}
	return records, nil
}

func (d *AlertDispatcher) deliver(ctx context.Context, n notify.Notification) []DeliveryResult {
	results := make([]DeliveryResult, len(d.channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range d.channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.deliverOne(gctx, ch, n)
			d.metrics.Delivery(results[i].Channel, results[i].Status)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *AlertDispatcher) deliverOne(ctx context.Context, ch notify.NotificationChannel, n notify.Notification) DeliveryResult {
	res := DeliveryResult{Channel: ch.Name()}
	fields := []zap.Field{
		zap.String("channel", ch.Name()),
		zap.String("alert_id", n.AlertID),
		zap.String("alert_type", n.AlertType),
	}

	if !ch.Enabled() {
		res.Status = DeliveryUnavailable
		res.Error = ErrChannelUnavailable.Error()
		d.logger.Warn("Notification channel unavailable", append(fields, zap.Error(ErrChannelUnavailable))...)
		return res
	}
	if ch.Name() == notify.MailChannelName && len(n.Recipients) == 0 {
		res.Status = DeliverySkipped
		d.logger.Info("No recipients for alert, skipping mail", fields...)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	if err := ch.Probe(ctx); err != nil {
		res.Status = DeliveryUnavailable
		res.Error = err.Error()
		d.logger.Warn("Notification channel unavailable", append(fields, zap.Error(err))...)
		return res
	}
	if err := ch.Deliver(ctx, n); err != nil {
		res.Status = DeliveryFailed
		res.Error = err.Error()
		if errors.Is(err, ErrChannelUnavailable) {
			res.Status = DeliveryUnavailable
		}
		d.logger.Error("Alert delivery failed", append(fields, zap.Error(err))...)
		return res
	}

	res.Status = DeliveryDelivered
	d.logger.Info("Alert delivered", fields...)
	return res
}
