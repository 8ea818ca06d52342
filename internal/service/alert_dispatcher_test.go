package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/clock"
	"secmon/internal/config"
	"secmon/internal/models"
	"secmon/internal/notify"
	"secmon/internal/repository/postgres"
	"secmon/internal/repository/postgres/pgtest"
	"secmon/internal/service"
)

func healthDown(message string) service.AlertInput {
	return service.AlertInput{
		Component: "INGESTION",
		Severity:  models.SeverityCritical,
		AlertType: "health_down",
		Message:   message,
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   service.AlertInput
	}{
		{"missing component", service.AlertInput{Severity: models.SeverityInfo, AlertType: "x", Message: "m"}},
		{"missing type", service.AlertInput{Component: "c", Severity: models.SeverityInfo, Message: "m"}},
		{"missing message", service.AlertInput{Component: "c", Severity: models.SeverityInfo, AlertType: "x"}},
		{"unknown severity", service.AlertInput{Component: "c", Severity: "fatal", AlertType: "x", Message: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.dispatcher.Send(ctx, tt.in)
			assert.ErrorIs(t, err, service.ErrValidation)
		})
	}

	records, err := h.dispatcher.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSendDeduplicatesWithinWindow(t *testing.T) {
	ctx := context.Background()
	mail := newRecordingChannel(notify.MailChannelName)
	webhook := newRecordingChannel(notify.WebhookChannelName)
	h := newHarness(t, map[string]string{
		"ALERT_DEDUP_WINDOW":        "5m",
		"ALERT_CRITICAL_RECIPIENTS": "oncall@example.com",
	}, mail, webhook)

	first, err := h.dispatcher.Send(ctx, healthDown("db unreachable"))
	require.NoError(t, err)
	assert.False(t, first.Suppressed)
	assert.Equal(t, []string{"oncall@example.com"}, first.Recipients)
	require.Len(t, first.Deliveries, 2)
	for _, d := range first.Deliveries {
		assert.Equal(t, service.DeliveryDelivered, d.Status, d.Channel)
	}

	h.clk.Advance(2 * time.Minute)
	second, err := h.dispatcher.Send(ctx, healthDown("db still unreachable"))
	require.NoError(t, err)
	assert.True(t, second.Suppressed)
	assert.Empty(t, second.Deliveries)

	assert.True(t, h.dispatcher.IsDuplicate(ctx, "INGESTION", "health_down", 0))
	assert.False(t, h.dispatcher.IsDuplicate(ctx, "INGESTION", "disk_full", 0))

	records, err := h.dispatcher.Recent(ctx, "INGESTION", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, mail.deliveries(), 1)
	assert.Len(t, webhook.deliveries(), 1)
	assert.Equal(t, []string{"oncall@example.com"}, mail.deliveries()[0].Recipients)

	// The suppressed record at t=2m keeps the window open at t=6m.
	h.clk.Advance(4 * time.Minute)
	third, err := h.dispatcher.Send(ctx, healthDown("db unreachable again"))
	require.NoError(t, err)
	assert.True(t, third.Suppressed)
	assert.Len(t, webhook.deliveries(), 1)

	// Nothing persisted within the last five minutes: delivered again.
	h.clk.Advance(5*time.Minute + time.Second)
	fourth, err := h.dispatcher.Send(ctx, healthDown("db unreachable, still"))
	require.NoError(t, err)
	assert.False(t, fourth.Suppressed)
	assert.Len(t, webhook.deliveries(), 2)

	records, err = h.dispatcher.Recent(ctx, "INGESTION", 10)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestSendWithDedupDisabled(t *testing.T) {
	ctx := context.Background()
	webhook := newRecordingChannel(notify.WebhookChannelName)
	h := newHarness(t, map[string]string{"ALERT_DEDUP_ENABLED": "false"}, webhook)

	for i := 0; i < 3; i++ {
		res, err := h.dispatcher.Send(ctx, healthDown("flapping"))
		require.NoError(t, err)
		assert.False(t, res.Suppressed)
	}
	assert.Len(t, webhook.deliveries(), 3)
}

// Scenario: a missing mail client is logged, the alert still succeeds.
func TestSendWithUnavailableChannel(t *testing.T) {
	ctx := context.Background()
	mail := notify.NewMailChannel(config.MailConfig{Enabled: true})
	h := newHarness(t, map[string]string{"ALERT_DEFAULT_ADMIN": "admin@example.com"}, mail)

	res, err := h.dispatcher.Send(ctx, healthDown("db unreachable"))
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 1)
	assert.Equal(t, service.DeliveryUnavailable, res.Deliveries[0].Status)
	assert.Equal(t, []string{"admin@example.com"}, res.Recipients)

	records, err := h.dispatcher.Recent(ctx, "INGESTION", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "db unreachable", records[0].Message)
}

func TestSendChannelOutcomes(t *testing.T) {
	ctx := context.Background()
	disabled := newRecordingChannel("pager")
	disabled.enabled = false
	failing := newRecordingChannel(notify.WebhookChannelName)
	failing.deliverErr = errors.New("502 bad gateway")
	mail := newRecordingChannel(notify.MailChannelName)
	h := newHarness(t, nil, disabled, failing, mail)

	res, err := h.dispatcher.Send(ctx, service.AlertInput{
		Component: "scanner", Severity: models.SeverityInfo, AlertType: "scan_complete", Message: "done",
	})
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 3)
	assert.Equal(t, service.DeliveryUnavailable, res.Deliveries[0].Status)
	assert.Equal(t, service.DeliveryFailed, res.Deliveries[1].Status)
	assert.Equal(t, service.DeliverySkipped, res.Deliveries[2].Status)
	assert.Empty(t, res.Recipients)
	assert.Empty(t, mail.deliveries())
}

func TestRecipientsFallBackToDefaultAdmin(t *testing.T) {
	h := newHarness(t, map[string]string{
		"ALERT_WARNING_RECIPIENTS": "sre@example.com,secops@example.com",
		"ALERT_DEFAULT_ADMIN":      "admin@example.com",
	})

	assert.Equal(t, []string{"sre@example.com", "secops@example.com"}, h.dispatcher.Recipients(models.SeverityWarning))
	assert.Equal(t, []string{"admin@example.com"}, h.dispatcher.Recipients(models.SeverityCritical))
	assert.Equal(t, []string{"admin@example.com"}, h.dispatcher.Recipients(models.SeverityInfo))
}

func TestSendStoreFailure(t *testing.T) {
	clk := clock.NewManual(epoch)
	repo := postgres.NewAlertRepository(pgtest.Broken(t), clk, time.Second)
	webhook := newRecordingChannel(notify.WebhookChannelName)
	dispatcher := service.NewAlertDispatcher(repo, nil, []notify.NotificationChannel{webhook},
		config.AlertConfig{DedupEnabled: true, DedupWindow: time.Minute}, zaptest.NewLogger(t), nil)

	_, err := dispatcher.Send(context.Background(), healthDown("db unreachable"))
	assert.ErrorIs(t, err, service.ErrStore)
	assert.Empty(t, webhook.deliveries())
	assert.False(t, dispatcher.IsDuplicate(context.Background(), "INGESTION", "health_down", time.Minute))
}

type alertCapture struct {
	mu      sync.Mutex
	records []*models.AlertRecord
}

func (c *alertCapture) PublishAlert(_ context.Context, rec *models.AlertRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func TestSendPublishesSuppressedRecords(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	repo := postgres.NewAlertRepository(pgtest.NewDB(t), clk, time.Second)
	pub := &alertCapture{}
	webhook := newRecordingChannel(notify.WebhookChannelName)
	dispatcher := service.NewAlertDispatcher(repo, pub, []notify.NotificationChannel{webhook},
		config.AlertConfig{DedupEnabled: true, DedupWindow: 5 * time.Minute}, zaptest.NewLogger(t), nil)

	_, err := dispatcher.Send(ctx, healthDown("db unreachable"))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := dispatcher.Send(ctx, healthDown("db still unreachable"))
	require.NoError(t, err)
	require.True(t, second.Suppressed)

	require.Len(t, pub.records, 2)
	assert.False(t, pub.records[0].Suppressed)
	assert.True(t, pub.records[1].Suppressed)
	assert.Equal(t, second.Record.ID, pub.records[1].ID)
	assert.Len(t, webhook.deliveries(), 1)
}
