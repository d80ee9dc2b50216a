package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Callback finalizes a finished composite: the terminal status, the master
// advance and the follower bookkeeping land in one transaction, then the
// device's pending queue is drained without waiting for the next tick.
type Callback struct {
	store store.Store
	queue store.DeviceQueue
	locks store.Locker
	log   *events.Log
	clock clockwork.Clock
	cfg   Config
	owner string

	// disp is set after construction; the dispatcher and the callback
	// reference each other.
	disp *Dispatcher
}

func NewCallback(st store.Store, q store.DeviceQueue, locks store.Locker, elog *events.Log, clock clockwork.Clock, cfg Config) *Callback {
	return &Callback{
		store: st,
		queue: q,
		locks: locks,
		log:   elog,
		clock: clock,
		cfg:   cfg.Normalize(),
		owner: uuid.NewString(),
	}
}

// SetDispatcher wires the resubmission path for the immediate drain.
func (cb *Callback) SetDispatcher(d *Dispatcher) { cb.disp = d }

// Complete applies the result of one composite run. Replays are no-ops: the
// finalize write is conditional on the row still being live, and everything
// after it only happens when that write took effect.
func (cb *Callback) Complete(ctx context.Context, c *Composite, res Result) {
	// The worker context is cancelled on shutdown, which is exactly when an
	// interrupted run most needs its finalize to land. Detach it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	finished := res.FinishedAt
	if finished.IsZero() {
		finished = cb.clock.Now()
	}

	// An interrupted run leaves the master untouched so the next tick
	// reschedules it. Anything else advances next_run_at from the finish
	// instant, never from the missed slot.
	var adv *store.MasterAdvance
	if res.Status != store.StatusInterrupted {
		adv = &store.MasterAdvance{
			NodeID:    c.MasterID(),
			LastRunAt: finished,
			NextRunAt: finished.Add(c.Master.Interval()),
			Success:   res.Status == store.StatusSuccess,
		}
	}

	applied, err := cb.store.FinalizeExecution(ctx, c.ExecutionID, res.Status, res.Summary, finished, adv)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("finalize").Inc()
		log.Printf("[callback] finalize execution %d: %v", c.ExecutionID, err)
		return
	}
	if !applied {
		log.Printf("[callback] execution %d already finalized, ignoring replay", c.ExecutionID)
		return
	}

	if cb.disp != nil && res.Status != store.StatusInterrupted {
		cb.disp.RecordCompletion(c.MasterID())
	}

	observability.TaskCompletions.WithLabelValues(string(res.Status)).Inc()
	if !res.StartedAt.IsZero() {
		observability.TaskDuration.Observe(finished.Sub(res.StartedAt).Seconds())
	}
	cb.log.Append(events.Event{
		Type:        events.TaskCompleted,
		DeviceID:    c.DeviceID(),
		MasterID:    c.MasterID(),
		ExecutionID: c.ExecutionID,
		Status:      string(res.Status),
		DurationMS:  finished.Sub(res.StartedAt).Milliseconds(),
	})

	if res.Status == store.StatusSuccess {
		if err := cb.store.ClearGates(ctx, c.MasterID()); err != nil {
			observability.PersistenceErrors.WithLabelValues("clear_gates").Inc()
			log.Printf("[callback] clear gates of master %d: %v", c.MasterID(), err)
		}
	}

	cb.drain(ctx, c.DeviceID())
}

// drain hands the head of the device's pending queue straight back to the
// dispatcher. The drain lock keeps concurrent callbacks for the same device
// from double-polling; losing it is fine, the next tick drains instead.
func (cb *Callback) drain(ctx context.Context, deviceID int64) {
	if cb.disp == nil {
		return
	}

	key := store.DrainLockKey(deviceID)
	ok, err := cb.locks.AcquireLock(ctx, key, cb.owner, cb.cfg.DrainLockTTL)
	if err != nil || !ok {
		if err != nil {
			log.Printf("[callback] acquire drain lock for device %d: %v", deviceID, err)
		}
		return
	}
	defer func() {
		if err := cb.locks.ReleaseLock(ctx, key, cb.owner); err != nil {
			log.Printf("[callback] release drain lock for device %d: %v", deviceID, err)
		}
	}()

	entry, err := cb.queue.Poll(ctx, deviceID)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("queue_poll").Inc()
		log.Printf("[callback] poll queue for device %d: %v", deviceID, err)
		return
	}
	if entry == nil {
		return
	}

	node, err := cb.store.GetNode(ctx, entry.MasterID)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("get_node").Inc()
		log.Printf("[callback] load node %d for drain: %v", entry.MasterID, err)
		return
	}
	if node == nil || !node.Enabled || !node.IsMaster() {
		// Stale entry; drop it and let the tick pick up the next head.
		log.Printf("[callback] dropping stale queue entry for node %d on device %d", entry.MasterID, deviceID)
		return
	}

	c, err := BuildComposite(ctx, cb.store, node, cb.clock.Now())
	if err != nil {
		log.Printf("[callback] rebuild composite for node %d: %v", node.ID, err)
		return
	}

	outcome := cb.disp.Submit(ctx, c)
	if outcome == OutcomeDispatched || outcome == OutcomeQueued || outcome == OutcomeQueuedPoolFull {
		observability.DrainResubmits.Inc()
	}
}
