package scheduler

import (
	"context"
	"log"

	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/probe"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Worker runs composites on pool slots: claim the execution row, execute
// the chain, then finalize through the completion callback once the pool
// has freed the slot.
type Worker struct {
	store    store.Store
	exec     probe.Executor
	callback *Callback
	log      *events.Log
	clock    clockwork.Clock
}

func NewWorker(st store.Store, exec probe.Executor, cb *Callback, elog *events.Log, clock clockwork.Clock) *Worker {
	return &Worker{store: st, exec: exec, callback: cb, log: elog, clock: clock}
}

// Execute claims the execution row and runs the composite chain. ok=false
// means the row was gone and nothing ran.
func (w *Worker) Execute(ctx context.Context, workerID string, c *Composite) (Result, bool) {
	now := w.clock.Now()

	claimed, err := w.store.MarkExecutionRunning(ctx, c.ExecutionID, workerID, now)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("mark_running").Inc()
		log.Printf("[worker] mark execution %d running: %v", c.ExecutionID, err)
		return Result{}, false
	}
	if !claimed {
		// Row already moved on, most likely reclaimed by the watchdog.
		log.Printf("[worker] execution %d no longer pending, skipping", c.ExecutionID)
		return Result{}, false
	}

	w.log.Append(events.Event{
		Type:        events.TaskStarted,
		DeviceID:    c.DeviceID(),
		MasterID:    c.MasterID(),
		ExecutionID: c.ExecutionID,
	})

	dev, err := w.store.GetDevice(ctx, c.DeviceID())
	switch {
	case err != nil:
		observability.PersistenceErrors.WithLabelValues("get_device").Inc()
		return Result{
			Status:     store.StatusFailed,
			Summary:    []byte(`{"error":"device lookup failed"}`),
			StartedAt:  now,
			FinishedAt: w.clock.Now(),
		}, true
	case dev == nil:
		return Result{
			Status:     store.StatusFailed,
			Summary:    []byte(`{"error":"device not found"}`),
			StartedAt:  now,
			FinishedAt: w.clock.Now(),
		}, true
	default:
		return c.Execute(ctx, w.exec, dev, w.store, w.clock), true
	}
}

// Complete finalizes the run. The pool calls it after freeing the slot.
func (w *Worker) Complete(ctx context.Context, c *Composite, res Result) {
	w.callback.Complete(ctx, c, res)
}
