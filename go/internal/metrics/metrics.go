// Package metrics holds the prometheus collectors for the auction service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auction"

// Collector records domain and relay metrics. One Collector satisfies the
// Metrics interface of every app package.
type Collector struct {
	bids             *prometheus.CounterVec
	allocations      *prometheus.CounterVec
	tiebreakers      *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	finalizeDuration *prometheus.HistogramVec
	roundsExpired    prometheus.Counter
	eventsRelayed    *prometheus.CounterVec
	relayDuration    *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	batchDuration    prometheus.Histogram
	outboxLag        prometheus.Gauge
	publishAttempts  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Bid placement attempts by outcome.",
		}, []string{"outcome"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Committed player allocations by source.",
		}, []string{"source"}),
		tiebreakers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiebreakers_opened_total",
			Help:      "Tiebreakers opened by kind, escalations included.",
		}, []string{"kind"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiebreaker_resolutions_total",
			Help:      "Tiebreaker resolutions by outcome.",
		}, []string{"outcome"}),
		finalizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Finalize pass duration by resulting round status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		roundsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_expired_total",
			Help:      "Rounds closed by the deadline scheduler.",
		}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events relayed by type and status.",
		}, []string{"event_type", "status"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "event_duration_seconds",
			Help:      "Time to relay one outbox event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Events per relayed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time to relay one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		outboxLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "lag",
			Help:      "Unsent events seen by the last batch.",
		}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "publish_attempts_total",
			Help:      "Publish attempts by event type, attempt number and status.",
		}, []string{"event_type", "attempt", "status"}),
	}

	reg.MustRegister(
		c.bids, c.allocations, c.tiebreakers, c.resolutions, c.finalizeDuration, c.roundsExpired,
		c.eventsRelayed, c.relayDuration, c.batchSize, c.batchDuration, c.outboxLag, c.publishAttempts,
	)
	return c
}

func (c *Collector) RecordBid(outcome string) {
	c.bids.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAllocation(source string) {
	c.allocations.WithLabelValues(source).Inc()
}

func (c *Collector) RecordTiebreaker(kind string) {
	c.tiebreakers.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordResolution(outcome string) {
	c.resolutions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveFinalize(status string, elapsed time.Duration) {
	c.finalizeDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *Collector) RecordRoundExpired() {
	c.roundsExpired.Inc()
}

func (c *Collector) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	c.eventsRelayed.WithLabelValues(eventType, status(success)).Inc()
	c.relayDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (c *Collector) RecordBatchProcessed(count int, duration time.Duration) {
	c.batchSize.Observe(float64(count))
	c.batchDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordOutboxLag(lag int) {
	c.outboxLag.Set(float64(lag))
}

func (c *Collector) RecordPublishAttempt(eventType string, attempt int, success bool) {
	c.publishAttempts.WithLabelValues(eventType, strconv.Itoa(attempt), status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
