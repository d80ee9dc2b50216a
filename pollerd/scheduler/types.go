// Package scheduler contains the poller core: the 1 Hz tick loop, the
// dispatcher and its admission decisions, the fixed-size poller pool, the
// completion callback, and the delivery watchdog.
package scheduler

import "time"

// Config carries every tunable of the poller core. Zero values are replaced
// by the documented defaults through Normalize.
type Config struct {
	// PoolSize is the fixed number of poller slots. Zero means the default;
	// a negative value means an empty pool (everything queues).
	PoolSize int

	// TickInterval is the scheduler heartbeat.
	TickInterval time.Duration

	// RecentRunGuard refuses a master that finished less than this long ago.
	RecentRunGuard time.Duration

	// CreationLockTTL bounds the per-(device, master) submission lock.
	CreationLockTTL time.Duration

	// DrainLockTTL bounds the per-device drain lock held by the completion
	// callback while it polls the pending queue.
	DrainLockTTL time.Duration

	// QueueSoftLimit is the per-device pending-queue threshold past which
	// offers are rejected with an OVERLOAD event.
	QueueSoftLimit int

	// WatchdogInterval is the delivery watchdog sweep period.
	WatchdogInterval time.Duration

	// OrphanAge is how old a PENDING execution without a worker identity
	// must be before the watchdog reclassifies it.
	OrphanAge time.Duration

	// DrainTimeout bounds how long shutdown waits for busy slots.
	DrainTimeout time.Duration

	// BusyWindow is the sliding window over which the pool busy ratio is
	// computed for the saturation signal.
	BusyWindow time.Duration

	// SaturationBusyPct is the busy-ratio percentage above which the pool
	// reports saturated.
	SaturationBusyPct float64
}

const (
	DefaultPoolSize          = 10
	DefaultTickInterval      = time.Second
	DefaultRecentRunGuard    = 3 * time.Second
	DefaultCreationLockTTL   = 5 * time.Second
	DefaultDrainLockTTL      = 10 * time.Second
	DefaultWatchdogInterval  = 30 * time.Second
	DefaultOrphanAge         = 300 * time.Second
	DefaultDrainTimeout      = 60 * time.Second
	DefaultBusyWindow        = 60 * time.Second
	DefaultSaturationBusyPct = 75.0
)

// Normalize fills unset fields with defaults and returns the result. It is
// idempotent: a deliberately empty pool stays encoded as -1 so that
// re-normalizing (every constructor does) never resurrects the default size.
func (c Config) Normalize() Config {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	} else if c.PoolSize < 0 {
		c.PoolSize = -1
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.RecentRunGuard <= 0 {
		c.RecentRunGuard = DefaultRecentRunGuard
	}
	if c.CreationLockTTL <= 0 {
		c.CreationLockTTL = DefaultCreationLockTTL
	}
	if c.DrainLockTTL <= 0 {
		c.DrainLockTTL = DefaultDrainLockTTL
	}
	if c.QueueSoftLimit <= 0 {
		c.QueueSoftLimit = 100
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = DefaultOrphanAge
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.BusyWindow <= 0 {
		c.BusyWindow = DefaultBusyWindow
	}
	if c.SaturationBusyPct <= 0 {
		c.SaturationBusyPct = DefaultSaturationBusyPct
	}
	return c
}

// Outcome is the dispatcher's admission decision for one submission.
type Outcome string

const (
	OutcomeDispatched     Outcome = "DISPATCHED"
	OutcomeQueued         Outcome = "QUEUED"
	OutcomeQueuedPoolFull Outcome = "QUEUED_POOL_FULL"
	OutcomeDuplicate      Outcome = "DUPLICATE_SUPPRESSED"
	OutcomeTooSoon        Outcome = "TOO_SOON"
	OutcomeOverloaded     Outcome = "OVERLOAD"
	OutcomeError          Outcome = "ERROR"
)
