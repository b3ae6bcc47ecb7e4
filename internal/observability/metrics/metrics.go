package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "edgefleet_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestRejected *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	registrations *prometheus.CounterVec

	installationChecks  *prometheus.CounterVec
	installationLatency prometheus.Histogram

	alertEventsTotal *prometheus.CounterVec
	notifications    *prometheus.CounterVec

	schedulerRuns    *prometheus.CounterVec
	schedulerLatency *prometheus.HistogramVec

	syncAttempts *prometheus.CounterVec
	forecasts    *prometheus.CounterVec
)

// Init registers service metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total telemetry submissions by result",
			},
			[]string{"result"},
		)
		ingestRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rejected_total",
				Help: "Total rejected telemetry submissions by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Telemetry submission latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		registrations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_registrations_total",
				Help: "Total device registrations by result",
			},
			[]string{"result"},
		)

		installationChecks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "installation_checks_total",
				Help: "Total installation checks by verdict",
			},
			[]string{"verdict"},
		)
		installationLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "installation_check_latency_seconds",
				Help:    "Installation check latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Total alert lifecycle events by event and type",
			},
			[]string{"event", "type"},
		)
		notifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		)

		schedulerRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_runs_total",
				Help: "Total scheduled task runs by task and result",
			},
			[]string{"task", "result"},
		)
		schedulerLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "scheduler_run_latency_seconds",
				Help:    "Scheduled task latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		)

		syncAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_attempts_total",
				Help: "Total batch delivery attempts by result",
			},
			[]string{"result"},
		)
		forecasts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "forecasts_total",
				Help: "Total failure forecasts computed by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestRejected,
			ingestLatency,
			registrations,
			installationChecks,
			installationLatency,
			alertEventsTotal,
			notifications,
			schedulerRuns,
			schedulerLatency,
			syncAttempts,
			forecasts,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records submission duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestRejected increments the rejection counter.
func IncIngestRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestRejected != nil {
		ingestRejected.WithLabelValues(reason).Inc()
	}
}

// IncRegistration counts registrations ("created" or "updated").
func IncRegistration(result string) {
	if registrations != nil {
		registrations.WithLabelValues(result).Inc()
	}
}

// ObserveInstallationCheck records check verdict and duration.
func ObserveInstallationCheck(verdict string, duration time.Duration) {
	if installationChecks != nil {
		installationChecks.WithLabelValues(verdict).Inc()
	}
	if installationLatency != nil {
		installationLatency.Observe(duration.Seconds())
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event, alertType string) {
	if event == "" {
		event = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(event, alertType).Inc()
	}
}

// IncNotification counts a channel delivery.
func IncNotification(channel string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if notifications != nil {
		notifications.WithLabelValues(channel, result).Inc()
	}
}

// ObserveSchedulerRun records a scheduled task run.
func ObserveSchedulerRun(task string, err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if schedulerRuns != nil {
		schedulerRuns.WithLabelValues(task, result).Inc()
	}
	if schedulerLatency != nil {
		schedulerLatency.WithLabelValues(task).Observe(duration.Seconds())
	}
}

// IncSyncAttempt counts a batch delivery attempt ("success", "retry", "terminal").
func IncSyncAttempt(result string) {
	if syncAttempts != nil {
		syncAttempts.WithLabelValues(result).Inc()
	}
}

// IncForecast counts a forecast computation.
func IncForecast(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if forecasts != nil {
		forecasts.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
