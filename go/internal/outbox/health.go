package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	LastEventTime     time.Time `json:"last_event_time"`
	EventsProcessed   uint64    `json:"events_processed"`
	PendingEvents     int       `json:"pending_events"`
	DatabaseConnected bool      `json:"database_connected"`
	BusConnected      bool      `json:"bus_connected"`
	WorkerActive      bool      `json:"worker_active"`
	Errors            []string  `json:"errors"`
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// HealthChecker reports on the relay worker and its dependencies.
type HealthChecker struct {
	worker    *Worker
	database  Pinger
	bus       Pinger
	threshold time.Duration // How long without relays before unhealthy
}

// NewHealthChecker builds a checker. database and bus may be nil when the
// dependency is not configured.
func NewHealthChecker(worker *Worker, database, bus Pinger, threshold time.Duration) *HealthChecker {
	return &HealthChecker{
		worker:    worker,
		database:  database,
		bus:       bus,
		threshold: threshold,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:           true,
		Errors:            []string{},
		DatabaseConnected: true,
		BusConnected:      true,
	}

	status.EventsProcessed, status.LastEventTime = h.worker.Stats()

	if h.database != nil {
		if err := h.database(ctx); err != nil {
			status.DatabaseConnected = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		}
	}

	if h.bus != nil {
		if err := h.bus(ctx); err != nil {
			status.BusConnected = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("message bus unavailable: %v", err))
		}
	}

	status.WorkerActive = h.worker.Running()
	if !status.WorkerActive {
		status.Healthy = false
		status.Errors = append(status.Errors, "worker not active")
	}

	if status.DatabaseConnected {
		pending, err := h.worker.app.PendingCount(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if pending > 1000 {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}

	// Only stale when something is waiting
	if status.PendingEvents > 0 && !status.LastEventTime.IsZero() {
		since := h.worker.clock.Since(status.LastEventTime)
		if since > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no events processed for %s", since))
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
