// Package monitoring exposes kernel health as Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kernel.
type Metrics struct {
	// Memory metrics
	PoolUsedBytes *prometheus.GaugeVec
	PoolFreeBytes *prometheus.GaugeVec
	Allocations   *prometheus.CounterVec
	AllocFailures *prometheus.CounterVec

	// Process metrics
	ProcessesActive prometheus.Gauge
	ProcessesTotal  prometheus.Counter

	// IPC metrics
	QueueDepth     *prometheus.GaugeVec
	MessagesSent   prometheus.Counter
	MessagesRecv   prometheus.Counter
	EventsPosted   prometheus.Counter
	EventsDropped  prometheus.Counter
	EventsDelivery prometheus.Counter

	// Watchdog metrics
	WatchdogFeeds    prometheus.Counter
	WatchdogTimeouts prometheus.Counter
	Panics           *prometheus.CounterVec

	// App and service metrics
	AppsRunning     prometheus.Gauge
	AppLaunches     prometheus.Counter
	AppCrashes      prometheus.Counter
	ServicesRunning prometheus.Gauge
	ServiceCrashes  prometheus.Counter

	// Kernel metrics
	TickDuration prometheus.Histogram
	TicksTotal   prometheus.Counter
	Uptime       prometheus.Gauge

	startTime time.Time
}

// New creates a metrics collector registered on reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid global-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		PoolUsedBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_pool_used_bytes",
				Help: "Bytes currently allocated per memory pool",
			},
			[]string{"pool"},
		),
		PoolFreeBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_pool_free_bytes",
				Help: "Bytes remaining per memory pool",
			},
			[]string{"pool"},
		),
		Allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_allocations_total",
				Help: "Total successful allocations per pool",
			},
			[]string{"pool"},
		),
		AllocFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_allocation_failures_total",
				Help: "Total rejected allocations per pool",
			},
			[]string{"pool"},
		),

		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_processes_active",
				Help: "Number of live processes",
			},
		),
		ProcessesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_processes_total",
				Help: "Total processes created since boot",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_queue_depth",
				Help: "Messages waiting per named queue",
			},
			[]string{"queue"},
		),
		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_messages_sent_total",
				Help: "Total messages accepted by queues",
			},
		),
		MessagesRecv: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_messages_received_total",
				Help: "Total messages delivered to receivers",
			},
		),
		EventsPosted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_events_posted_total",
				Help: "Total events accepted by the event bus",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_events_dropped_total",
				Help: "Events discarded because the bus buffer was full",
			},
		),
		EventsDelivery: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_event_deliveries_total",
				Help: "Total subscriber callbacks invoked",
			},
		),

		WatchdogFeeds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_watchdog_feeds_total",
				Help: "Total software watchdog feeds",
			},
		),
		WatchdogTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_watchdog_timeouts_total",
				Help: "Watchdogs that missed their feed deadline",
			},
		),
		Panics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_panics_total",
				Help: "Kernel panics by reason",
			},
			[]string{"reason"},
		),

		AppsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_apps_running",
				Help: "Apps currently in the running state",
			},
		),
		AppLaunches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_app_launches_total",
				Help: "Total app launches since boot",
			},
		),
		AppCrashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_app_crashes_total",
				Help: "Total app crashes since boot",
			},
		),
		ServicesRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_services_running",
				Help: "Services currently in the running state",
			},
		),
		ServiceCrashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_service_crashes_total",
				Help: "Total service crashes since boot",
			},
		),

		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernel_tick_duration_seconds",
				Help:    "Time spent in one kernel maintenance tick",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),
		TicksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_ticks_total",
				Help: "Total maintenance ticks executed",
			},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Seconds since kernel start",
			},
		),
	}
}

// NewNop creates a metrics collector on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
