package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/clock"
	"secmon/internal/models"
	"secmon/internal/repository/postgres"
	"secmon/internal/repository/postgres/pgtest"
)

func TestEventInsertAssignsIdentityAndTime(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	repo := postgres.NewEventRepository(pgtest.NewDB(t), clk, time.Second)

	ev := &models.SecurityEvent{
		EventType:  models.EventAbuseDetected,
		SourceIP:   "192.0.2.10",
		OccurredAt: epoch.Add(-24 * time.Hour),
		Metadata:   models.Metadata{"rule": "login-burst"},
	}
	require.NoError(t, repo.Insert(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.OccurredAt.Equal(epoch))

	events, err := repo.Recent(ctx, models.EventFilter{SourceIP: "192.0.2.10"}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "login-burst", events[0].Metadata["rule"])
}

func TestEventCountFiltersAndWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	repo := postgres.NewEventRepository(pgtest.NewDB(t), clk, time.Second)

	insert := func(ip, endpoint, key string) {
		require.NoError(t, repo.Insert(ctx, &models.SecurityEvent{
			EventType: models.EventRequest, SourceIP: ip, Endpoint: endpoint, APIKey: key,
		}))
	}

	insert("192.0.2.1", "/login", "")
	clk.Advance(30 * time.Second)
	insert("192.0.2.1", "/login", "k1")
	insert("192.0.2.1", "/search", "")
	insert("192.0.2.2", "/login", "")
	clk.Advance(30 * time.Second)

	since := clk.Now().Add(-60 * time.Second)
	n, err := repo.Count(ctx, models.EventFilter{SourceIP: "192.0.2.1", EventType: models.EventRequest}, since)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.Count(ctx, models.EventFilter{SourceIP: "192.0.2.1", Endpoint: "/login"}, since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.Count(ctx, models.EventFilter{SourceIP: "192.0.2.1", APIKey: "k1"}, since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The first event falls out once the window slides past it.
	n, err = repo.Count(ctx, models.EventFilter{SourceIP: "192.0.2.1"}, since.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.Count(ctx, models.EventFilter{SourceIP: "198.51.100.1"}, since)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventSpanAndDelete(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	repo := postgres.NewEventRepository(pgtest.NewDB(t), clk, time.Second)
	filter := models.EventFilter{SourceIP: "192.0.2.7", EventType: models.EventRequest}

	stats, err := repo.Span(ctx, filter)
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Nil(t, stats.FirstSeen)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(ctx, &models.SecurityEvent{EventType: models.EventRequest, SourceIP: "192.0.2.7"}))
		clk.Advance(10 * time.Second)
	}
	require.NoError(t, repo.Insert(ctx, &models.SecurityEvent{EventType: models.EventBlocked, SourceIP: "192.0.2.7"}))

	stats, err = repo.Span(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	require.NotNil(t, stats.FirstSeen)
	require.NotNil(t, stats.LastSeen)
	assert.True(t, stats.FirstSeen.Equal(epoch))
	assert.True(t, stats.LastSeen.Equal(epoch.Add(20*time.Second)))

	n, err := repo.Delete(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	remaining, err := repo.Count(ctx, models.EventFilter{SourceIP: "192.0.2.7"}, epoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	_, err = repo.Delete(ctx, models.EventFilter{EventType: models.EventRequest})
	assert.Error(t, err)
}
