package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/metrics"
	"secmon/internal/models"
)

type mockSink struct {
	mock.Mock
	name string
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) PublishEvent(ctx context.Context, ev *models.SecurityEvent) error {
	return m.Called(ev).Error(0)
}

func (m *mockSink) PublishAlert(ctx context.Context, rec *models.AlertRecord) error {
	return m.Called(rec).Error(0)
}

func TestFanoutIgnoresSinkFailures(t *testing.T) {
	ev := &models.SecurityEvent{ID: "e1", EventType: models.EventBlocked, SourceIP: "192.0.2.1"}

	ok := &mockSink{name: "ok"}
	ok.On("PublishEvent", ev).Return(nil).Once()
	broken := &mockSink{name: "broken"}
	broken.On("PublishEvent", ev).Return(errors.New("down")).Once()

	f := NewFanout(zaptest.NewLogger(t), metrics.New(), time.Second, ok, broken)
	assert.NotPanics(t, func() { f.PublishEvent(context.Background(), ev) })

	ok.AssertExpectations(t)
	broken.AssertExpectations(t)
}

func TestNilFanoutIsANoop(t *testing.T) {
	var f *Fanout
	assert.Zero(t, f.Len())
	assert.NotPanics(t, func() {
		f.PublishAlert(context.Background(), &models.AlertRecord{ID: "a1"})
	})
}

type capturedMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	messages []capturedMessage
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.messages = append(p.messages, capturedMessage{topic, key, value, headers})
	return nil
}

func TestKafkaSinkKeysAndTopics(t *testing.T) {
	p := &fakeProducer{}
	k := NewKafkaSink(p, "events", "alerts")

	require.NoError(t, k.PublishEvent(context.Background(), &models.SecurityEvent{
		ID: "e1", EventType: models.EventRateLimitExceeded, SourceIP: "192.0.2.9",
	}))
	require.NoError(t, k.PublishAlert(context.Background(), &models.AlertRecord{
		ID: "a1", Component: "rate_limiter", Severity: models.SeverityWarning, AlertType: "rate_limit_exceeded",
	}))

	require.Len(t, p.messages, 2)
	assert.Equal(t, "events", p.messages[0].topic)
	assert.Equal(t, "192.0.2.9", string(p.messages[0].key))
	assert.Equal(t, "rate_limit_exceeded", p.messages[0].headers["event_type"])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(p.messages[0].value, &decoded))
	assert.Equal(t, "e1", decoded["id"])

	assert.Equal(t, "alerts", p.messages[1].topic)
	assert.Equal(t, "rate_limiter", string(p.messages[1].key))
	assert.Equal(t, "false", p.messages[1].headers["suppressed"])
}

type fakeAnalytics struct {
	ddl     []string
	queries []string
	rows    [][]interface{}
}

func (f *fakeAnalytics) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.ddl = append(f.ddl, query)
	return nil
}

func (f *fakeAnalytics) BatchInsert(_ context.Context, query string, data [][]interface{}) error {
	f.queries = append(f.queries, query)
	f.rows = append(f.rows, data...)
	return nil
}

func TestClickHouseSinkCreatesSchemaAndInserts(t *testing.T) {
	db := &fakeAnalytics{}
	s, err := NewClickHouseSink(context.Background(), db)
	require.NoError(t, err)
	assert.Len(t, db.ddl, 2)

	require.NoError(t, s.PublishEvent(context.Background(), &models.SecurityEvent{
		ID: "e1", EventType: models.EventAbuseDetected, SourceIP: "192.0.2.3",
	}))
	require.Len(t, db.rows, 1)
	assert.Equal(t, clickhouseInsertEvent, db.queries[0])
	assert.Equal(t, "abuse_detected", db.rows[0][1])
	assert.Equal(t, "{}", db.rows[0][7])
}

type fakeIndexer struct {
	index string
	id    string
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	f.index, f.id = index, id
	return nil
}

func TestElasticsearchSinkUsesStoreID(t *testing.T) {
	idx := &fakeIndexer{}
	s := NewElasticsearchSink(idx, "ev", "al")

	require.NoError(t, s.PublishAlert(context.Background(), &models.AlertRecord{ID: "a9"}))
	assert.Equal(t, "al", idx.index)
	assert.Equal(t, "a9", idx.id)
}
