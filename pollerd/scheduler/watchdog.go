package scheduler

import (
	"context"
	"log"

	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Watchdog reclaims deliveries that went nowhere: PENDING executions old
// enough that no worker will ever claim them, typically left behind by a
// crash between row creation and slot hand-off. Reclaimed rows become
// INTERRUPTED, which releases the device, and the composite is resubmitted
// through the normal dispatcher path.
type Watchdog struct {
	store store.Store
	queue store.DeviceQueue
	disp  *Dispatcher
	pool  *Pool
	log   *events.Log
	clock clockwork.Clock
	cfg   Config
}

func NewWatchdog(st store.Store, q store.DeviceQueue, disp *Dispatcher, pool *Pool, elog *events.Log, clock clockwork.Clock, cfg Config) *Watchdog {
	return &Watchdog{
		store: st,
		queue: q,
		disp:  disp,
		pool:  pool,
		log:   elog,
		clock: clock,
		cfg:   cfg.Normalize(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass. It backs off entirely while the pool is
// saturated: resubmitting orphans into an overloaded system only digs the
// hole deeper.
func (w *Watchdog) Sweep(ctx context.Context) {
	queued, _, err := w.queue.TotalSize(ctx)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("queue_total_size").Inc()
		log.Printf("[watchdog] read queue size: %v", err)
		return
	}
	observability.QueueDepth.Set(float64(queued))

	if stats := w.pool.Stats(queued); stats.Saturated {
		log.Printf("[watchdog] pool saturated (busy %.1f%%, queued %d), skipping sweep", stats.BusyPercent, queued)
		return
	}

	cutoff := w.clock.Now().Add(-w.cfg.OrphanAge)
	orphans, err := w.store.FindOrphanedExecutions(ctx, cutoff)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("find_orphans").Inc()
		log.Printf("[watchdog] find orphaned executions: %v", err)
		return
	}

	for _, o := range orphans {
		// A slot may still be between reservation and claim; leave it be.
		if w.pool.InFlight(o.ID) {
			continue
		}

		applied, err := w.store.FinalizeExecution(ctx, o.ID, store.StatusInterrupted, nil, w.clock.Now(), nil)
		if err != nil {
			observability.PersistenceErrors.WithLabelValues("finalize_orphan").Inc()
			log.Printf("[watchdog] reclassify execution %d: %v", o.ID, err)
			continue
		}
		if !applied {
			continue
		}

		observability.OrphansRecovered.Inc()
		w.log.Append(events.Event{
			Type:        events.OrphanRecovered,
			DeviceID:    o.DeviceID,
			MasterID:    o.MasterID,
			ExecutionID: o.ID,
		})
		log.Printf("[watchdog] recovered orphaned execution %d (device %d, master %d)", o.ID, o.DeviceID, o.MasterID)

		w.resubmit(ctx, o)
	}
}

func (w *Watchdog) resubmit(ctx context.Context, o *store.Execution) {
	node, err := w.store.GetNode(ctx, o.MasterID)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("get_node").Inc()
		log.Printf("[watchdog] load node %d for resubmit: %v", o.MasterID, err)
		return
	}
	if node == nil || !node.Enabled || !node.IsMaster() {
		return
	}
	c, err := BuildComposite(ctx, w.store, node, w.clock.Now())
	if err != nil {
		log.Printf("[watchdog] rebuild composite for node %d: %v", node.ID, err)
		return
	}
	c.Attempt = o.Attempt + 1
	w.disp.Submit(ctx, c)
}
