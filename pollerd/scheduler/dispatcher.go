package scheduler

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Dispatcher makes the admission decision for every composite submission,
// whether it arrives from the tick, the queue drain, the watchdog or a
// manual trigger. All paths converge here so the guards apply uniformly.
type Dispatcher struct {
	store store.Store
	queue store.DeviceQueue
	locks store.Locker
	pool  *Pool
	log   *events.Log
	clock clockwork.Clock
	cfg   Config
	owner string

	// recent shadows last_run_at for masters finalized in this process,
	// covering the gap before a fresh node snapshot is loaded.
	recent *ttlcache.Cache[int64, struct{}]
}

func NewDispatcher(st store.Store, q store.DeviceQueue, locks store.Locker, pool *Pool, elog *events.Log, clock clockwork.Clock, cfg Config) *Dispatcher {
	cfg = cfg.Normalize()
	recent := ttlcache.New[int64, struct{}](
		ttlcache.WithTTL[int64, struct{}](cfg.RecentRunGuard),
		ttlcache.WithDisableTouchOnHit[int64, struct{}](),
	)
	go recent.Start()
	return &Dispatcher{
		store:  st,
		queue:  q,
		locks:  locks,
		pool:   pool,
		log:    elog,
		clock:  clock,
		cfg:    cfg,
		owner:  uuid.NewString(),
		recent: recent,
	}
}

// Close stops the guard cache janitor.
func (d *Dispatcher) Close() { d.recent.Stop() }

// RecordCompletion arms the recent-run guard for a master.
func (d *Dispatcher) RecordCompletion(masterID int64) {
	d.recent.Set(masterID, struct{}{}, ttlcache.DefaultTTL)
}

// Submit decides what happens to a composite: run it now, queue it, or
// refuse it. The decision and its reason are always recorded in the event
// log before returning.
func (d *Dispatcher) Submit(ctx context.Context, c *Composite) Outcome {
	deviceID, masterID := c.DeviceID(), c.MasterID()

	lockKey := store.CreationLockKey(deviceID, masterID)
	ok, err := d.locks.AcquireLock(ctx, lockKey, d.owner, d.cfg.CreationLockTTL)
	if err != nil {
		return d.fail(c, "acquire_creation_lock", err)
	}
	if !ok {
		// Another path is mid-submission for this pair. Its outcome covers
		// this attempt.
		return d.decide(c, OutcomeDuplicate, events.DuplicateSuppressed, "creation lock held")
	}
	defer func() {
		if err := d.locks.ReleaseLock(ctx, lockKey, d.owner); err != nil {
			log.Printf("[dispatcher] release creation lock %s: %v", lockKey, err)
		}
	}()

	now := d.clock.Now()
	if d.recent.Get(masterID) != nil {
		return d.decide(c, OutcomeTooSoon, events.TooSoon, "finished within guard window")
	}
	if lr := c.Master.LastRunAt; lr != nil && now.Sub(*lr) < d.cfg.RecentRunGuard {
		return d.decide(c, OutcomeTooSoon, events.TooSoon, "last run within guard window")
	}

	active, err := d.store.HasActiveExecutionFor(ctx, deviceID, masterID)
	if err != nil {
		return d.fail(c, "dedupe_lookup", err)
	}
	if !active {
		queued, err := d.queue.Contains(ctx, deviceID, masterID)
		if err != nil {
			return d.fail(c, "queue_lookup", err)
		}
		active = queued
	}
	if active {
		return d.decide(c, OutcomeDuplicate, events.DuplicateSuppressed, "already active or queued")
	}

	busy, err := d.store.HasActiveExecution(ctx, deviceID)
	if err != nil {
		return d.fail(c, "busy_lookup", err)
	}
	if busy {
		return d.enqueue(ctx, c, OutcomeQueued, "device busy")
	}

	res, ok := d.pool.Reserve()
	if !ok {
		return d.enqueue(ctx, c, OutcomeQueuedPoolFull, "pool full")
	}

	e := &store.Execution{
		DeviceID:  deviceID,
		MasterID:  masterID,
		CreatedAt: now,
		Attempt:   c.Attempt,
	}
	created, err := d.store.CreateExecution(ctx, e)
	if err != nil {
		d.pool.Release(res)
		return d.fail(c, "create_execution", err)
	}
	if !created {
		// The uniqueness predicate saw an active row this process missed.
		d.pool.Release(res)
		return d.decide(c, OutcomeDuplicate, events.DuplicateSuppressed, "active row exists")
	}
	c.ExecutionID = e.ID

	d.pool.Run(res, c)
	return d.decide(c, OutcomeDispatched, "", "")
}

// enqueue offers the composite to the durable per-device queue with its
// delay score frozen at this instant.
func (d *Dispatcher) enqueue(ctx context.Context, c *Composite, outcome Outcome, reason string) Outcome {
	entry := &store.QueueEntry{
		DeviceID:   c.DeviceID(),
		MasterID:   c.MasterID(),
		Priority:   c.Master.Priority,
		DelayScore: c.DelaySeconds,
		EnqueuedAt: d.clock.Now(),
	}
	res, err := d.queue.Offer(ctx, entry)
	if err != nil {
		return d.fail(c, "queue_offer", err)
	}
	switch res {
	case store.OfferDuplicate:
		return d.decide(c, OutcomeDuplicate, events.DuplicateSuppressed, "already queued")
	case store.OfferOverloaded:
		observability.QueueOverloads.Inc()
		return d.decide(c, OutcomeOverloaded, events.Overload, "queue soft threshold reached")
	default:
		return d.decide(c, outcome, events.Queued, reason)
	}
}

// decide records the admission outcome and returns it. extra is a secondary
// event type emitted alongside the DISPATCH_DECISION record.
func (d *Dispatcher) decide(c *Composite, outcome Outcome, extra events.Type, detail string) Outcome {
	observability.DispatchDecisions.WithLabelValues(string(outcome)).Inc()
	d.log.Append(events.Event{
		Type:        events.DispatchDecision,
		DeviceID:    c.DeviceID(),
		MasterID:    c.MasterID(),
		ExecutionID: c.ExecutionID,
		Outcome:     string(outcome),
		Detail:      detail,
	})
	if extra != "" {
		d.log.Append(events.Event{
			Type:     extra,
			DeviceID: c.DeviceID(),
			MasterID: c.MasterID(),
			Detail:   detail,
		})
	}
	return outcome
}

func (d *Dispatcher) fail(c *Composite, op string, err error) Outcome {
	observability.PersistenceErrors.WithLabelValues(op).Inc()
	log.Printf("[dispatcher] %s for device %d master %d: %v", op, c.DeviceID(), c.MasterID(), err)
	return d.decide(c, OutcomeError, "", op+" failed")
}
