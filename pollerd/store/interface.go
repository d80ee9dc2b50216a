package store

import (
	"context"
	"time"
)

// OfferResult is the outcome of a pending-queue offer.
type OfferResult int

const (
	OfferAccepted OfferResult = iota
	OfferDuplicate
	OfferOverloaded
)

// Store is the persistence contract the poller core runs against.
// Node and device tables are shared with the inventory collaborators and are
// read-only here apart from the scheduling columns on probe_nodes.
type Store interface {
	// LoadEnabledMasters returns enabled master nodes on enabled devices
	// that are due (next_run_at <= now) or carry a null next_run_at in
	// need of repair. Gated masters are excluded.
	LoadEnabledMasters(ctx context.Context, now time.Time) ([]*ProbeNode, error)

	// LoadFollowers returns the enabled followers of a master in chain order.
	LoadFollowers(ctx context.Context, masterID int64) ([]*ProbeNode, error)

	GetNode(ctx context.Context, id int64) (*ProbeNode, error)
	GetDevice(ctx context.Context, id int64) (*Device, error)

	// InitNextRun repairs a master whose next_run_at is null.
	InitNextRun(ctx context.Context, nodeID int64, at time.Time) error

	// TouchNodeRun records a follower's last_run_at and outcome timestamp.
	// Followers never touch next_run_at.
	TouchNodeRun(ctx context.Context, nodeID int64, at time.Time, success bool) error

	// CreateExecution inserts a PENDING row. It returns false without error
	// when the per-device uniqueness predicate refuses the insert.
	CreateExecution(ctx context.Context, e *Execution) (bool, error)

	// MarkExecutionRunning flips PENDING to RUNNING and records the worker
	// identity. Returns false if the row was no longer PENDING.
	MarkExecutionRunning(ctx context.Context, execID int64, workerID string, at time.Time) (bool, error)

	// FinalizeExecution writes the final status, summary and finished_at,
	// and applies the master advance in the same transaction. It returns
	// false without error when the row was already finalized (replay).
	FinalizeExecution(ctx context.Context, execID int64, status ExecStatus, summary []byte, finishedAt time.Time, adv *MasterAdvance) (bool, error)

	// HasActiveExecution reports whether any execution for the device is in
	// {PENDING, RUNNING}.
	HasActiveExecution(ctx context.Context, deviceID int64) (bool, error)

	// HasActiveExecutionFor is the (device, master) scoped variant.
	HasActiveExecutionFor(ctx context.Context, deviceID, masterID int64) (bool, error)

	// FindOrphanedExecutions returns PENDING rows created before the cutoff
	// that never acquired a worker identity.
	FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error)

	// ClearGates opens the fire-on-success gate of every master waiting on
	// the given master.
	ClearGates(ctx context.Context, masterID int64) error

	Ping(ctx context.Context) error
}

// DeviceQueue is the durable per-device pending queue. Entries are ordered
// by (priority desc, delay_score desc, enqueue_instant asc) and survive
// process restarts.
type DeviceQueue interface {
	// Offer is idempotent on (device, master) and refuses offers past the
	// per-device soft threshold.
	Offer(ctx context.Context, e *QueueEntry) (OfferResult, error)

	// Poll removes and returns the highest-priority entry, or nil.
	Poll(ctx context.Context, deviceID int64) (*QueueEntry, error)

	// Peek returns the highest-priority entry without removing it, or nil.
	Peek(ctx context.Context, deviceID int64) (*QueueEntry, error)

	Remove(ctx context.Context, deviceID, masterID int64) error
	Contains(ctx context.Context, deviceID, masterID int64) (bool, error)
	Size(ctx context.Context, deviceID int64) (int, error)

	// TotalSize returns the queue size across all devices plus a per-device
	// breakdown.
	TotalSize(ctx context.Context) (int, map[int64]int, error)
}

// Locker provides short-TTL advisory locks (creation lock, drain lock,
// singleton lease). Release is owner-checked.
type Locker interface {
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, ownerID string) error
}
