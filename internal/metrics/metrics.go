// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

// Package metrics provides Prometheus instrumentation for OrderSync:
//   - Scheduler admission, retry, and circuit breaker behavior
//   - Sync run duration, throughput, and failures
//   - Progress hub subscriber counts and delivery faults
//   - Order store write performance
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler Metrics
	SchedulerQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordersync_scheduler_queue_wait_seconds",
			Help:    "Time an operation waits for rate-limit admission before executing",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	SchedulerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordersync_scheduler_in_flight",
			Help: "Operations currently executing under the concurrency ceiling",
		},
	)

	SchedulerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_scheduler_attempts_total",
			Help: "Operation attempts by outcome (success, transient, permanent)",
		},
		[]string{"outcome"},
	)

	SchedulerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersync_scheduler_retries_total",
			Help: "Retries performed after transient failures",
		},
	)

	SchedulerBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordersync_scheduler_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Sync Run Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordersync_sync_duration_seconds",
			Help:    "Duration of complete sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}, // runs can take minutes
		},
	)

	SyncOrdersProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersync_sync_orders_processed_total",
			Help: "Total orders upserted by sync runs",
		},
	)

	SyncPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersync_sync_pages_total",
			Help: "Total pages fetched by sync runs",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_sync_errors_total",
			Help: "Sync run failures by type (remote, storage, cancelled)",
		},
		[]string{"error_type"},
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordersync_sync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last completed sync per tenant",
		},
		[]string{"tenant"},
	)

	SyncActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordersync_sync_active_runs",
			Help: "Number of tenants currently syncing",
		},
	)

	// Progress Hub Metrics
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordersync_hub_subscribers",
			Help: "Currently subscribed progress listeners across all tenants",
		},
	)

	HubEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_hub_events_delivered_total",
			Help: "Events delivered to listeners by event kind",
		},
		[]string{"kind"},
	)

	HubListenerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersync_hub_listener_panics_total",
			Help: "Listener faults swallowed during broadcast",
		},
	)

	// Order Store Metrics
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordersync_store_query_duration_seconds",
			Help:    "Duration of order store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_store_query_errors_total",
			Help: "Order store query errors by operation",
		},
		[]string{"operation"},
	)
)

// RecordSyncRun records the outcome of one sync run.
func RecordSyncRun(tenant string, duration time.Duration, processed int, err error) {
	SyncDuration.Observe(duration.Seconds())
	SyncOrdersProcessed.Add(float64(processed))
	if err == nil {
		SyncLastSuccess.WithLabelValues(tenant).Set(float64(time.Now().Unix()))
	}
}

// ObserveStoreQuery times a store operation and records errors.
func ObserveStoreQuery(operation string, start time.Time, err error) {
	StoreQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreQueryErrors.WithLabelValues(operation).Inc()
	}
}
