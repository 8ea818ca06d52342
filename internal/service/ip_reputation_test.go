package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/clock"
	"secmon/internal/metrics"
	"secmon/internal/models"
	"secmon/internal/service"
)

func countEvents(t *testing.T, h *harness, ip string, eventType models.EventType) int64 {
	t.Helper()
	return h.events.CountSince(context.Background(), models.EventFilter{SourceIP: ip, EventType: eventType}, 24*time.Hour)
}

func TestBlockTemporaryExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	entry, err := h.reputation.Block(ctx, service.BlockRequest{
		Address:   "198.51.100.9",
		BlockType: models.BlockTemporary,
		Reason:    "abuse",
		ExpiresAt: ptr(epoch.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(epoch.Add(time.Hour)))

	assert.True(t, h.reputation.IsBlocked(ctx, "198.51.100.9"))
	assert.False(t, h.reputation.IsAllowed(ctx, "198.51.100.9"))
	assert.Equal(t, int64(1), countEvents(t, h, "198.51.100.9", models.EventBlocked))

	h.clk.Advance(time.Hour)
	assert.False(t, h.reputation.IsBlocked(ctx, "198.51.100.9"))
}

func TestBlockTemporaryDefaultsExpiry(t *testing.T) {
	h := newHarness(t, map[string]string{"BLOCK_DEFAULT_DURATION": "30m"})

	entry, err := h.reputation.Block(context.Background(), service.BlockRequest{
		Address:   "203.0.113.5",
		BlockType: models.BlockTemporary,
	})
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(epoch.Add(30*time.Minute)))
}

func TestBlockPermanentIgnoresExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	entry, err := h.reputation.Block(ctx, service.BlockRequest{
		Address:   "2001:db8::1",
		BlockType: models.BlockPermanent,
		Reason:    "botnet",
		ExpiresAt: ptr(epoch.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Nil(t, entry.ExpiresAt)

	h.clk.Advance(365 * 24 * time.Hour)
	assert.True(t, h.reputation.IsBlocked(ctx, "2001:DB8:0:0:0:0:0:1"))
}

func TestBlockValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	tests := []struct {
		name string
		req  service.BlockRequest
	}{
		{"malformed ipv4", service.BlockRequest{Address: "192.168.1.256", BlockType: models.BlockTemporary}},
		{"short ipv4", service.BlockRequest{Address: "192.168.1", BlockType: models.BlockPermanent}},
		{"unknown block type", service.BlockRequest{Address: "192.168.1.1", BlockType: "forever"}},
		{"past expiry", service.BlockRequest{Address: "192.168.1.1", BlockType: models.BlockTemporary, ExpiresAt: ptr(epoch)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.reputation.Block(ctx, tt.req)
			assert.ErrorIs(t, err, service.ErrValidation)
		})
	}

	assert.Equal(t, int64(0), countEvents(t, h, "192.168.1.1", models.EventBlocked))
}

func TestUnblockDeactivatesAndLogs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.reputation.Block(ctx, service.BlockRequest{Address: "192.0.2.44", BlockType: models.BlockPermanent})
	require.NoError(t, err)

	require.NoError(t, h.reputation.Unblock(ctx, "192.0.2.44"))
	assert.False(t, h.reputation.IsBlocked(ctx, "192.0.2.44"))
	assert.Equal(t, int64(1), countEvents(t, h, "192.0.2.44", models.EventUnblocked))

	require.NoError(t, h.reputation.Unblock(ctx, "192.0.2.44"))
	assert.Equal(t, int64(2), countEvents(t, h, "192.0.2.44", models.EventUnblocked))

	assert.ErrorIs(t, h.reputation.Unblock(ctx, "not-an-ip"), service.ErrValidation)
}

func TestReblockReplacesEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.reputation.Block(ctx, service.BlockRequest{Address: "192.0.2.50", BlockType: models.BlockPermanent})
	require.NoError(t, err)
	require.NoError(t, h.reputation.Unblock(ctx, "192.0.2.50"))

	_, err = h.reputation.Block(ctx, service.BlockRequest{
		Address: "192.0.2.50", BlockType: models.BlockTemporary, ExpiresAt: ptr(epoch.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.True(t, h.reputation.IsBlocked(ctx, "192.0.2.50"))

	active, err := h.reputation.ListActive(ctx, models.ListBlock)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.BlockTemporary, active[0].BlockType)
}

func TestAllowList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.reputation.Allow(ctx, service.AllowRequest{Address: "10.1.2.3", Reason: "monitoring"})
	require.NoError(t, err)
	assert.True(t, h.reputation.IsAllowed(ctx, "10.1.2.3"))
	assert.False(t, h.reputation.IsBlocked(ctx, "10.1.2.3"))

	_, err = h.reputation.Allow(ctx, service.AllowRequest{Address: "10.1.2.4", ExpiresAt: ptr(epoch.Add(-time.Second))})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = h.reputation.ListActive(ctx, "grey")
	assert.ErrorIs(t, err, service.ErrValidation)
}

type mockIPListStore struct {
	mock.Mock
}

func (m *mockIPListStore) FindActive(ctx context.Context, address string, listType models.ListType) (*models.IPListEntry, error) {
	args := m.Called(ctx, address, listType)
	entry, _ := args.Get(0).(*models.IPListEntry)
	return entry, args.Error(1)
}

func (m *mockIPListStore) Upsert(ctx context.Context, entry *models.IPListEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockIPListStore) Expire(ctx context.Context, address string, listType models.ListType) (int64, error) {
	args := m.Called(ctx, address, listType)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockIPListStore) ListActive(ctx context.Context, listType models.ListType) ([]models.IPListEntry, error) {
	args := m.Called(ctx, listType)
	entries, _ := args.Get(0).([]models.IPListEntry)
	return entries, args.Error(1)
}

type mockEventRecorder struct {
	mock.Mock
}

func (m *mockEventRecorder) Record(ctx context.Context, in service.EventInput) (*models.SecurityEvent, error) {
	args := m.Called(ctx, in)
	ev, _ := args.Get(0).(*models.SecurityEvent)
	return ev, args.Error(1)
}

func TestReputationStoreFailures(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")

	store := &mockIPListStore{}
	store.On("FindActive", mock.Anything, "192.0.2.1", mock.Anything).Return(nil, down)
	store.On("Upsert", mock.Anything, mock.Anything).Return(down)
	store.On("Expire", mock.Anything, "192.0.2.1", models.ListBlock).Return(int64(0), down)
	events := &mockEventRecorder{}

	list := service.NewIPReputationList(store, events, clock.NewManual(epoch), time.Hour, zaptest.NewLogger(t), nil)

	assert.False(t, list.IsAllowed(ctx, "192.0.2.1"))
	assert.False(t, list.IsBlocked(ctx, "192.0.2.1"))

	_, err := list.Block(ctx, service.BlockRequest{Address: "192.0.2.1", BlockType: models.BlockPermanent})
	assert.ErrorIs(t, err, service.ErrStore)
	assert.ErrorIs(t, list.Unblock(ctx, "192.0.2.1"), service.ErrStore)

	events.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestBlockSucceedsWhenEventWriteFails(t *testing.T) {
	store := &mockIPListStore{}
	store.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	events := &mockEventRecorder{}
	events.On("Record", mock.Anything, mock.MatchedBy(func(in service.EventInput) bool {
		return in.EventType == models.EventBlocked && in.SourceIP == "192.0.2.9"
	})).Return(nil, service.ErrStore).Once()

	rec := metrics.New()
	list := service.NewIPReputationList(store, events, clock.NewManual(epoch), time.Hour, zaptest.NewLogger(t), rec)

	entry, err := list.Block(context.Background(), service.BlockRequest{Address: "192.0.2.9", BlockType: models.BlockPermanent})
	require.NoError(t, err)
	assert.Equal(t, models.ListBlock, entry.ListType)
	events.AssertExpectations(t)

	// The missing audit event is visible as a metric.
	n, err := testutil.GatherAndCount(rec.Registry(), "secmon_iplist_event_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
