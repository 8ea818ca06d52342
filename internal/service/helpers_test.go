package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/clock"
	"secmon/internal/config"
	"secmon/internal/metrics"
	"secmon/internal/notify"
	"secmon/internal/repository/postgres/pgtest"
	"secmon/internal/service"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recordingChannel is an in-process NotificationChannel.
type recordingChannel struct {
	name       string
	enabled    bool
	probeErr   error
	deliverErr error

	mu        sync.Mutex
	delivered []notify.Notification
}

func newRecordingChannel(name string) *recordingChannel {
	return &recordingChannel{name: name, enabled: true}
}

func (c *recordingChannel) Name() string  { return c.name }
func (c *recordingChannel) Enabled() bool { return c.enabled }

func (c *recordingChannel) Probe(context.Context) error { return c.probeErr }

func (c *recordingChannel) Deliver(_ context.Context, n notify.Notification) error {
	if c.deliverErr != nil {
		return c.deliverErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, n)
	return nil
}

func (c *recordingChannel) deliveries() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.delivered...)
}

type harness struct {
	clk        *clock.Manual
	cfg        *config.Config
	events     *service.EventLog
	reputation *service.IPReputationList
	dispatcher *service.AlertDispatcher
	limiter    *service.RateLimiter
}

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.FromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.NoError(t, err)
	return cfg
}

// newHarness wires every service over a fresh sqlite store through the
// service factory.
func newHarness(t *testing.T, env map[string]string, channels ...notify.NotificationChannel) *harness {
	t.Helper()

	cfg := testConfig(t, env)
	clk := clock.NewManual(epoch)
	factory := service.NewServiceFactory(cfg, pgtest.NewDB(t), clk, nil, nil, channels, zaptest.NewLogger(t), metrics.New())

	return &harness{
		clk:        clk,
		cfg:        cfg,
		events:     factory.EventLog(),
		reputation: factory.IPReputationList(),
		dispatcher: factory.AlertDispatcher(),
		limiter:    factory.RateLimiter(),
	}
}

func ptr[T any](v T) *T { return &v }
