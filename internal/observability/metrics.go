package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AlarmsConsumedTotal     *prometheus.CounterVec
	NotificationsTotal      *prometheus.CounterVec
	NotificationDuration    *prometheus.HistogramVec
	SkippedTotal            *prometheus.CounterVec
	PausedRequeuesTotal     prometheus.Counter
	LimiterErrorsTotal      prometheus.Counter
	ModemsExhaustedTotal    prometheus.Counter
	DLQDepth                prometheus.Gauge
	DLQWritesTotal          *prometheus.CounterVec
	BreakerState            *prometheus.GaugeVec
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	ReprocessedTotal        *prometheus.CounterVec
	ActiveWorkers           prometheus.Gauge
	PoolRecreationsTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		AlarmsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alarms_consumed_total",
				Help: "Total number of alarm messages consumed from the bus",
			},
			[]string{"outcome"},
		),
		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Total number of notification attempts",
			},
			[]string{"channel", "status"},
		),
		NotificationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_duration_seconds",
				Help:    "Duration of channel adapter calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		SkippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_skipped_total",
				Help: "Total number of gated (skipped) notifications",
			},
			[]string{"channel", "reason"},
		),
		PausedRequeuesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "paused_requeues_total",
				Help: "Messages requeued because the system was paused",
			},
		),
		LimiterErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "limiter_errors_total",
				Help: "Rate limiter backend errors (limiter fails open)",
			},
		),
		ModemsExhaustedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "modems_exhausted_total",
				Help: "SMS sends that found no eligible modem",
			},
		),
		DLQDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dlq_depth",
				Help: "Unreprocessed dead-letter items",
			},
		),
		DLQWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_writes_total",
				Help: "Items written to the dead-letter store",
			},
			[]string{"channel", "error_type"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Circuit breaker state per channel (0=closed, 1=half-open, 2=open)",
			},
			[]string{"channel"},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		ReprocessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_reprocessed_total",
				Help: "Dead-letter items replayed by the reprocessor",
			},
			[]string{"channel", "outcome"},
		),
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_workers",
				Help: "Workers with a fresh heartbeat",
			},
		),
		PoolRecreationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "db_pool_recreations_total",
				Help: "Guarded database pool recreations after repeated errors",
			},
		),
	}
}
