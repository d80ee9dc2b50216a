package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration tracks the duration of the scheduler tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oltwatch_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// TickOverruns counts ticks that exceeded the tick interval.
	TickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oltwatch_tick_overruns_total",
		Help: "Ticks whose duration exceeded the tick interval",
	})

	// TickPanics counts panics contained inside a tick.
	TickPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oltwatch_tick_panics_total",
		Help: "Panics recovered inside the scheduler tick",
	})

	// ReadySetSize tracks the size of the per-tick ready-set.
	ReadySetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oltwatch_ready_set_size",
		Help: "Composites found ready in the last tick",
	})

	// DispatchDecisions counts dispatcher outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oltwatch_dispatch_decisions_total",
		Help: "Dispatcher admission outcomes",
	}, []string{"outcome"})

	// QueueDepth tracks the pending queue size across all devices.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oltwatch_queue_depth",
		Help: "Pending-queue entries across all devices",
	})

	// QueueOverloads counts offers rejected by the per-device soft threshold.
	QueueOverloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oltwatch_queue_overloads_total",
		Help: "Queue offers rejected by the per-device soft threshold",
	})

	// PoolBusyRatio tracks busy time over the sliding window (0.0-1.0).
	PoolBusyRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oltwatch_pool_busy_ratio",
		Help: "Cumulative slot busy time over the sliding window divided by pool capacity",
	})

	// PoolFreeSlots tracks currently free poller slots.
	PoolFreeSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oltwatch_pool_free_slots",
		Help: "Free poller slots",
	})

	// TaskCompletions counts finished composites by final status.
	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oltwatch_task_completions_total",
		Help: "Finished composites by final status",
	}, []string{"status"})

	// TaskDuration tracks composite wall time.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oltwatch_task_duration_seconds",
		Help:    "Composite execution wall time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	})

	// OrphansRecovered counts executions reclaimed by the delivery watchdog.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oltwatch_orphans_recovered_total",
		Help: "PENDING executions reclassified by the delivery watchdog",
	})

	// PersistenceErrors counts failed persistence operations by site.
	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oltwatch_persistence_errors_total",
		Help: "Failed persistence operations",
	}, []string{"op"})

	// ProbeRunnerLatency tracks probe-runner out-call roundtrip time.
	ProbeRunnerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oltwatch_probe_runner_latency_seconds",
		Help:    "Probe-runner request roundtrip latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// DrainResubmits counts composites re-submitted by the immediate-drain
	// step of the completion callback.
	DrainResubmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oltwatch_drain_resubmits_total",
		Help: "Queue entries re-submitted by the completion callback",
	})

	// APIRateLimited counts control-surface requests rejected by the limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oltwatch_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// SingletonHeld reports whether this process holds the scheduler lease.
	SingletonHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oltwatch_singleton_held",
		Help: "1 while this process holds the scheduler singleton lease",
	})
)
