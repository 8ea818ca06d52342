package sink

import (
	"context"

	"secmon/internal/models"
)

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes documents under their store ID, so a retried
// publish overwrites instead of duplicating.
type ElasticsearchSink struct {
	indexer    Indexer
	eventIndex string
	alertIndex string
}

func NewElasticsearchSink(indexer Indexer, eventIndex, alertIndex string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, eventIndex: eventIndex, alertIndex: alertIndex}
}

func (e *ElasticsearchSink) Name() string { return "elasticsearch" }

func (e *ElasticsearchSink) PublishEvent(ctx context.Context, ev *models.SecurityEvent) error {
	return e.indexer.IndexDocument(ctx, e.eventIndex, ev.ID, ev)
}

func (e *ElasticsearchSink) PublishAlert(ctx context.Context, rec *models.AlertRecord) error {
	return e.indexer.IndexDocument(ctx, e.alertIndex, rec.ID, rec)
}
