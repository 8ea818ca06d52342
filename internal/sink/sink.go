// Package sink copies persisted events and alerts to secondary stores. Every
// publish is best-effort: the relational store stays the system of record.
package sink

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"secmon/internal/metrics"
	"secmon/internal/models"
)

type Sink interface {
	Name() string
	PublishEvent(ctx context.Context, ev *models.SecurityEvent) error
	PublishAlert(ctx context.Context, rec *models.AlertRecord) error
}

// Fanout publishes to every sink concurrently and only logs failures.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Recorder
}

func NewFanout(logger *zap.Logger, rec *metrics.Recorder, timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sinks: sinks, timeout: timeout, logger: logger, metrics: rec}
}

// Len reports how many sinks are attached. A nil Fanout has none.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) PublishEvent(ctx context.Context, ev *models.SecurityEvent) {
	f.publish(ctx, "event", ev.ID, func(ctx context.Context, s Sink) error {
		return s.PublishEvent(ctx, ev)
	})
}

func (f *Fanout) PublishAlert(ctx context.Context, rec *models.AlertRecord) {
	f.publish(ctx, "alert", rec.ID, func(ctx context.Context, s Sink) error {
		return s.PublishAlert(ctx, rec)
	})
}

func (f *Fanout) publish(ctx context.Context, kind, id string, fn func(context.Context, Sink) error) {
	if f.Len() == 0 {
		return
	}

	// Detached from the caller so a finished request does not cut sinks short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				f.metrics.SinkFailure(s.Name())
				f.logger.Warn("sink publish failed",
					zap.String("sink", s.Name()),
					zap.String("kind", kind),
					zap.String("id", id),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
