package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/observability"
)

// Runner executes one composite on behalf of a pool slot. Execute covers
// the probe work; Complete is invoked after the slot has been freed, so the
// completion callback's immediate drain can reuse it. ok=false means the
// execution row could not be claimed and Complete is skipped.
type Runner interface {
	Execute(ctx context.Context, workerID string, c *Composite) (res Result, ok bool)
	Complete(ctx context.Context, c *Composite, res Result)
}

// SlotState is the externally visible state of one poller slot.
type SlotState string

const (
	SlotFree SlotState = "FREE"
	SlotBusy SlotState = "BUSY"
)

type slot struct {
	id       int
	workerID string

	mu          sync.Mutex
	state       SlotState
	current     *Composite
	busySince   time.Time
	completed   int64
	delayedRuns int64
}

// SlotSnapshot is a point-in-time view of a slot for the stats surface.
type SlotSnapshot struct {
	ID          int       `json:"id"`
	WorkerID    string    `json:"worker_id"`
	State       SlotState `json:"state"`
	DeviceID    int64     `json:"device_id,omitempty"`
	MasterID    int64     `json:"master_id,omitempty"`
	ExecutionID int64     `json:"execution_id,omitempty"`
	BusyMS      int64     `json:"busy_ms,omitempty"`
	Completed   int64     `json:"completed"`
	DelayedRuns int64     `json:"delayed_runs"`
}

// PoolStats feeds the saturation signal and the stats endpoint.
type PoolStats struct {
	Total       int     `json:"total"`
	Free        int     `json:"free"`
	Busy        int     `json:"busy"`
	BusyPercent float64 `json:"busy_percent"`
	Queued      int     `json:"queued"`
	Saturated   bool    `json:"saturated"`
}

// Reservation is a claimed slot not yet running anything. The dispatcher
// reserves before creating the execution row and releases on refusal, so a
// slot is never consumed by a submission that loses the persistence race.
type Reservation struct {
	s *slot
}

type busyInterval struct {
	start, end time.Time
}

// busyWindow accumulates finished busy intervals and prunes anything that
// slid out of the window. Running intervals are added by the caller at read
// time from the live slots.
type busyWindow struct {
	mu        sync.Mutex
	window    time.Duration
	intervals []busyInterval
}

func (w *busyWindow) add(start, end time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intervals = append(w.intervals, busyInterval{start: start, end: end})
}

// busyIn returns the total busy time of finished intervals that overlap
// [now-window, now], pruning expired entries as a side effect.
func (w *busyWindow) busyIn(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.intervals[:0]
	var total time.Duration
	for _, iv := range w.intervals {
		if !iv.end.After(cutoff) {
			continue
		}
		kept = append(kept, iv)
		start := iv.start
		if start.Before(cutoff) {
			start = cutoff
		}
		total += iv.end.Sub(start)
	}
	w.intervals = kept
	return total
}

// Pool is the fixed-size set of poller slots. Size never changes after
// construction; a full pool is a routing signal (queue the work), not an
// error.
type Pool struct {
	slots  []*slot
	free   chan *slot
	runner Runner
	log    *events.Log
	clock  clockwork.Clock
	window *busyWindow
	cfg    Config

	ctx      context.Context
	wg       sync.WaitGroup
	draining sync.Once
	closed   chan struct{}
}

func NewPool(cfg Config, elog *events.Log, clock clockwork.Clock) *Pool {
	cfg = cfg.Normalize()
	size := cfg.PoolSize
	if size < 0 {
		size = 0
	}
	p := &Pool{
		slots:  make([]*slot, size),
		free:   make(chan *slot, size+1),
		log:    elog,
		clock:  clock,
		window: &busyWindow{window: cfg.BusyWindow},
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	for i := range p.slots {
		s := &slot{id: i, workerID: uuid.NewString(), state: SlotFree}
		p.slots[i] = s
		p.free <- s
	}
	return p
}

// SetRunner wires the executor. Must be called before Start.
func (p *Pool) SetRunner(r Runner) { p.runner = r }

// Start binds the worker context. Cancelling it interrupts running
// composites.
func (p *Pool) Start(ctx context.Context) { p.ctx = ctx }

// Reserve claims a free slot without blocking. ok is false when the pool is
// full or draining.
func (p *Pool) Reserve() (*Reservation, bool) {
	select {
	case <-p.closed:
		return nil, false
	default:
	}
	select {
	case s := <-p.free:
		return &Reservation{s: s}, true
	default:
		return nil, false
	}
}

// Release returns an unused reservation to the pool.
func (p *Pool) Release(r *Reservation) {
	if r == nil || r.s == nil {
		return
	}
	p.free <- r.s
	r.s = nil
}

// Run consumes the reservation and executes the composite on its slot.
func (p *Pool) Run(r *Reservation, c *Composite) {
	s := r.s
	r.s = nil

	start := p.clock.Now()
	s.mu.Lock()
	s.state = SlotBusy
	s.current = c
	s.busySince = start
	s.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		res, claimed := p.execute(s, c)

		end := p.clock.Now()
		p.window.add(start, end)

		s.mu.Lock()
		s.state = SlotFree
		s.current = nil
		s.completed++
		if c.Delayed {
			s.delayedRuns++
		}
		s.mu.Unlock()

		p.log.Append(events.Event{
			Type:        events.SlotFreed,
			DeviceID:    c.DeviceID(),
			MasterID:    c.MasterID(),
			ExecutionID: c.ExecutionID,
			DurationMS:  end.Sub(start).Milliseconds(),
		})
		p.free <- s

		if claimed {
			p.complete(c, res)
		}
	}()
}

func (p *Pool) execute(s *slot, c *Composite) (res Result, claimed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[pool] slot %d: runner panicked: %v", s.id, rec)
			claimed = false
		}
	}()
	return p.runner.Execute(p.ctx, s.workerID, c)
}

func (p *Pool) complete(c *Composite, res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[pool] completion of execution %d panicked: %v", c.ExecutionID, rec)
		}
	}()
	p.runner.Complete(p.ctx, c, res)
}

// InFlight reports whether the execution is currently running on a slot.
func (p *Pool) InFlight(executionID int64) bool {
	for _, s := range p.slots {
		s.mu.Lock()
		busy := s.state == SlotBusy && s.current != nil && s.current.ExecutionID == executionID
		s.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// InFlightDevice reports whether any slot is running work for the device.
func (p *Pool) InFlightDevice(deviceID int64) bool {
	for _, s := range p.slots {
		s.mu.Lock()
		busy := s.state == SlotBusy && s.current != nil && s.current.DeviceID() == deviceID
		s.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// Snapshot returns a per-slot view for the stats endpoint.
func (p *Pool) Snapshot() []SlotSnapshot {
	now := p.clock.Now()
	out := make([]SlotSnapshot, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		snap := SlotSnapshot{
			ID:          s.id,
			WorkerID:    s.workerID,
			State:       s.state,
			Completed:   s.completed,
			DelayedRuns: s.delayedRuns,
		}
		if s.state == SlotBusy && s.current != nil {
			snap.DeviceID = s.current.DeviceID()
			snap.MasterID = s.current.MasterID()
			snap.ExecutionID = s.current.ExecutionID
			snap.BusyMS = now.Sub(s.busySince).Milliseconds()
		}
		s.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Stats computes the saturation signal: busy ratio over the sliding window
// above the threshold, or queued work above twice the pool size.
func (p *Pool) Stats(queued int) PoolStats {
	now := p.clock.Now()
	busyDur := p.window.busyIn(now)

	busyNow := 0
	cutoff := now.Add(-p.cfg.BusyWindow)
	for _, s := range p.slots {
		s.mu.Lock()
		if s.state == SlotBusy {
			busyNow++
			start := s.busySince
			if start.Before(cutoff) {
				start = cutoff
			}
			busyDur += now.Sub(start)
		}
		s.mu.Unlock()
	}

	st := PoolStats{
		Total:  len(p.slots),
		Busy:   busyNow,
		Free:   len(p.slots) - busyNow,
		Queued: queued,
	}
	if st.Total > 0 {
		capacity := p.cfg.BusyWindow * time.Duration(st.Total)
		st.BusyPercent = 100 * float64(busyDur) / float64(capacity)
	}
	st.Saturated = st.BusyPercent > p.cfg.SaturationBusyPct || queued > 2*st.Total

	observability.PoolBusyRatio.Set(st.BusyPercent / 100)
	observability.PoolFreeSlots.Set(float64(st.Free))
	return st
}

// Drain stops new reservations and waits for busy slots, up to the
// configured timeout. Returns true when every slot finished cleanly.
func (p *Pool) Drain() bool {
	p.draining.Do(func() { close(p.closed) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-p.clock.After(p.cfg.DrainTimeout):
		return false
	}
}
