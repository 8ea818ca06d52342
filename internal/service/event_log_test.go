package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/clock"
	"secmon/internal/models"
	"secmon/internal/repository/postgres"
	"secmon/internal/repository/postgres/pgtest"
	"secmon/internal/service"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (p *capturePublisher) PublishEvent(_ context.Context, ev *models.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func newEventLog(t *testing.T) (*service.EventLog, *clock.Manual, *capturePublisher) {
	t.Helper()
	clk := clock.NewManual(epoch)
	pub := &capturePublisher{}
	repo := postgres.NewEventRepository(pgtest.NewDB(t), clk, time.Second)
	return service.NewEventLog(repo, pub, clk, zaptest.NewLogger(t), nil), clk, pub
}

func TestRecordValidation(t *testing.T) {
	log, _, pub := newEventLog(t)
	ctx := context.Background()

	_, err := log.Record(ctx, service.EventInput{SourceIP: "192.0.2.1"})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = log.Record(ctx, service.EventInput{EventType: models.EventAbuseDetected})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = log.Record(ctx, service.EventInput{EventType: "login_failed", SourceIP: "192.0.2.1"})
	assert.ErrorIs(t, err, service.ErrValidation)

	assert.Empty(t, pub.events)
}

func TestRecordAndCountSince(t *testing.T) {
	log, clk, pub := newEventLog(t)
	ctx := context.Background()

	ev, err := log.Record(ctx, service.EventInput{
		EventType: models.EventDDoSSuspected,
		SourceIP:  "203.0.113.8",
		Endpoint:  "/api/search",
		Detail:    "<b>burst</b>",
		Metadata:  models.Metadata{"rps": 900},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.OccurredAt.Equal(epoch))
	assert.Equal(t, "&lt;b&gt;burst&lt;/b&gt;", ev.Detail)
	require.Len(t, pub.events, 1)

	clk.Advance(30 * time.Second)
	_, err = log.Record(ctx, service.EventInput{EventType: models.EventDDoSSuspected, SourceIP: "203.0.113.8", Endpoint: "/api/login"})
	require.NoError(t, err)

	filter := models.EventFilter{SourceIP: "203.0.113.8", EventType: models.EventDDoSSuspected}
	assert.Equal(t, int64(2), log.CountSince(ctx, filter, time.Minute))
	assert.Equal(t, int64(1), log.CountSince(ctx, filter, 10*time.Second))

	filter.Endpoint = "/api/search"
	assert.Equal(t, int64(1), log.CountSince(ctx, filter, time.Minute))

	clk.Advance(time.Minute)
	assert.Equal(t, int64(0), log.CountSince(ctx, models.EventFilter{SourceIP: "203.0.113.8"}, time.Minute))

	recent, err := log.Recent(ctx, models.EventFilter{SourceIP: "203.0.113.8"}, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "/api/login", recent[0].Endpoint)
}

func TestRequestMarkersAreNotPublished(t *testing.T) {
	log, clk, pub := newEventLog(t)
	ctx := context.Background()

	require.NoError(t, log.RecordRequest(ctx, "198.51.100.1", "/api/login", "k1"))
	clk.Advance(time.Second)
	require.NoError(t, log.RecordRequest(ctx, "198.51.100.1", "/api/search", ""))
	_, err := log.Record(ctx, service.EventInput{EventType: models.EventAbuseDetected, SourceIP: "198.51.100.1"})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.EventAbuseDetected, pub.events[0].EventType)

	n, err := log.CountRequests(ctx, "198.51.100.1", "", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = log.CountRequests(ctx, "198.51.100.1", "/api/login", "k1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := log.RequestStats(ctx, "198.51.100.1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
	require.NotNil(t, stats.FirstSeen)
	require.NotNil(t, stats.LastSeen)
	assert.True(t, stats.LastSeen.After(*stats.FirstSeen))

	removed, err := log.ResetRequests(ctx, "198.51.100.1", "/api/login")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = log.ResetRequests(ctx, "198.51.100.1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.Equal(t, int64(1), log.CountSince(ctx, models.EventFilter{SourceIP: "198.51.100.1"}, time.Minute))
}

func TestRecordTagsSuspiciousEndpoint(t *testing.T) {
	log, _, _ := newEventLog(t)

	ev, err := log.Record(context.Background(), service.EventInput{
		EventType: models.EventAbuseDetected,
		SourceIP:  "192.0.2.77",
		Endpoint:  "/files/../../etc/passwd",
	})
	require.NoError(t, err)
	assert.Equal(t, true, ev.Metadata["suspicious_endpoint"])
}

func TestCountSinceFailsOpen(t *testing.T) {
	clk := clock.NewManual(epoch)
	repo := postgres.NewEventRepository(pgtest.Broken(t), clk, time.Second)
	log := service.NewEventLog(repo, nil, clk, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	assert.Equal(t, int64(0), log.CountSince(ctx, models.EventFilter{SourceIP: "192.0.2.1"}, time.Minute))

	_, err := log.Record(ctx, service.EventInput{EventType: models.EventAbuseDetected, SourceIP: "192.0.2.1"})
	assert.ErrorIs(t, err, service.ErrStore)

	_, err = log.Recent(ctx, models.EventFilter{}, 10)
	assert.ErrorIs(t, err, service.ErrStore)
}
