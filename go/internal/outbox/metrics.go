package outbox

import (
	"context"
	"time"
)

// Metrics receives relay measurements. metrics.Collector is the prometheus
// implementation.
type Metrics interface {
	RecordEventProcessed(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordOutboxLag(lag int)
	RecordPublishAttempt(eventType string, attempt int, success bool)
}

// DiscardMetrics drops every measurement.
type DiscardMetrics struct{}

func (DiscardMetrics) RecordEventProcessed(string, bool, time.Duration) {}
func (DiscardMetrics) RecordBatchProcessed(int, time.Duration)          {}
func (DiscardMetrics) RecordOutboxLag(int)                              {}
func (DiscardMetrics) RecordPublishAttempt(string, int, bool)           {}

// MetricPublisher times each relay through the wrapped Publisher.
type MetricPublisher struct {
	next    Publisher
	metrics Metrics
}

func NewMetricPublisher(next Publisher, metrics Metrics) *MetricPublisher {
	return &MetricPublisher{next: next, metrics: metrics}
}

func (p *MetricPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	started := time.Now()
	err := p.next.Publish(ctx, event)
	p.metrics.RecordEventProcessed(event.EventType, err == nil, time.Since(started))
	return err
}
