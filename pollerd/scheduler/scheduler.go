package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Scheduler is the heartbeat of the poller core. Every tick it loads the
// due masters, builds the ready-set, sorts it and hands each composite to
// the dispatcher. Exactly one instance runs cluster-wide; the singleton
// lease in the coordination package enforces that.
type Scheduler struct {
	store store.Store
	disp  *Dispatcher
	log   *events.Log
	clock clockwork.Clock
	cfg   Config

	overruns        int
	persistFailures atomic.Int64
}

func New(st store.Store, disp *Dispatcher, elog *events.Log, clock clockwork.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		store: st,
		disp:  disp,
		log:   elog,
		clock: clock,
		cfg:   cfg.Normalize(),
	}
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("[scheduler] starting, tick interval %s", s.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] stopping: %v", ctx.Err())
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick is one heartbeat. A panic anywhere inside is contained here so a bad
// tick never kills the loop.
func (s *Scheduler) tick(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			observability.TickPanics.Inc()
			log.Printf("[scheduler] tick panicked: %v", r)
		}
		elapsed := s.clock.Now().Sub(start)
		observability.TickDuration.Observe(elapsed.Seconds())
		if elapsed > s.cfg.TickInterval {
			observability.TickOverruns.Inc()
			s.overruns++
			if s.overruns >= 5 {
				log.Printf("[scheduler] %d consecutive tick overruns, last %s", s.overruns, elapsed)
			}
		} else {
			s.overruns = 0
		}
	}()

	s.runTick(ctx, start)
}

func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	s.log.Append(events.Event{Type: events.TickStart})

	masters, err := s.store.LoadEnabledMasters(ctx, now)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("load_masters").Inc()
		n := s.persistFailures.Add(1)
		log.Printf("[scheduler] load due masters (failure %d in a row): %v", n, err)
		return
	}
	s.persistFailures.Store(0)

	ready := make([]*Composite, 0, len(masters))
	for _, m := range masters {
		if m.IntervalSec < 1 {
			log.Printf("[scheduler] node %d has invalid interval %ds, skipping", m.ID, m.IntervalSec)
			continue
		}
		if m.NextRunAt == nil {
			// Fresh or repaired node: schedule one interval out, run later.
			at := now.Add(m.Interval())
			if err := s.store.InitNextRun(ctx, m.ID, at); err != nil {
				observability.PersistenceErrors.WithLabelValues("init_next_run").Inc()
				log.Printf("[scheduler] init next_run_at of node %d: %v", m.ID, err)
				continue
			}
			s.log.Append(events.Event{
				Type:     events.NextRunInitialized,
				DeviceID: m.DeviceID,
				MasterID: m.ID,
			})
			continue
		}
		c, err := BuildComposite(ctx, s.store, m, now)
		if err != nil {
			observability.PersistenceErrors.WithLabelValues("build_composite").Inc()
			log.Printf("[scheduler] build composite for node %d: %v", m.ID, err)
			continue
		}
		ready = append(ready, c)
	}

	SortReadySet(ready)
	observability.ReadySetSize.Set(float64(len(ready)))

	for _, c := range ready {
		s.disp.Submit(ctx, c)
	}
}

// Healthy reports whether the scheduler has recently been able to read its
// persistence. Three consecutive load failures flip the health endpoint.
func (s *Scheduler) Healthy() bool {
	return s.persistFailures.Load() < 3
}
