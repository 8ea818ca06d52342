package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"secmon/internal/models"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events keyed by source IP and alerts keyed by component.
type KafkaSink struct {
	producer   Producer
	eventTopic string
	alertTopic string
}

func NewKafkaSink(producer Producer, eventTopic, alertTopic string) *KafkaSink {
	return &KafkaSink{producer: producer, eventTopic: eventTopic, alertTopic: alertTopic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) PublishEvent(ctx context.Context, ev *models.SecurityEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return k.producer.ProduceMessage(ctx, k.eventTopic, []byte(ev.SourceIP), body, map[string]string{
		"event_type": string(ev.EventType),
		"event_id":   ev.ID,
	})
}

func (k *KafkaSink) PublishAlert(ctx context.Context, rec *models.AlertRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return k.producer.ProduceMessage(ctx, k.alertTopic, []byte(rec.Component), body, map[string]string{
		"severity":   string(rec.Severity),
		"alert_type": rec.AlertType,
		"suppressed": fmt.Sprintf("%t", rec.Suppressed),
	})
}
