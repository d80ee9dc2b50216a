package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/probe"
	"github.com/netfiber/oltwatch/pollerd/store"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness wires a full in-memory poller core around a test executor.
type harness struct {
	mem   *store.MemoryStore
	elog  *events.Log
	clock *clockwork.FakeClock
	pool  *Pool
	disp  *Dispatcher
	cb    *Callback

	cancelWorkers context.CancelFunc
}

func newHarness(t *testing.T, exec probe.Executor, cfg Config) *harness {
	t.Helper()
	cfg = cfg.Normalize()

	mem := store.NewMemoryStore()
	mem.SetQueueSoftLimit(cfg.QueueSoftLimit)
	elog := events.NewLog(0)
	clock := clockwork.NewFakeClockAt(testBase)

	pool := NewPool(cfg, elog, clock)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	disp := NewDispatcher(mem, mem, mem, pool, elog, clock, cfg)
	cb := NewCallback(mem, mem, mem, elog, clock, cfg)
	cb.SetDispatcher(disp)
	pool.SetRunner(NewWorker(mem, exec, cb, elog, clock))

	t.Cleanup(func() {
		cancel()
		disp.Close()
	})
	return &harness{
		mem:           mem,
		elog:          elog,
		clock:         clock,
		pool:          pool,
		disp:          disp,
		cb:            cb,
		cancelWorkers: cancel,
	}
}

func (h *harness) seedDevice(id int64) {
	h.mem.AddDevice(&store.Device{ID: id, Label: "olt", Address: "10.0.0.1", Enabled: true})
}

// seedMaster adds an enabled master due one second ago.
func (h *harness) seedMaster(deviceID, nodeID int64, priority int) *store.ProbeNode {
	due := h.clock.Now().Add(-time.Second)
	n := &store.ProbeNode{
		ID:          nodeID,
		DeviceID:    deviceID,
		Name:        "discover",
		Kind:        store.KindDiscovery,
		Priority:    priority,
		IntervalSec: 300,
		Enabled:     true,
		NextRunAt:   &due,
	}
	h.mem.AddNode(n)
	return n
}

func (h *harness) composite(t *testing.T, nodeID int64) *Composite {
	t.Helper()
	node, err := h.mem.GetNode(context.Background(), nodeID)
	if err != nil || node == nil {
		t.Fatalf("node %d: %v", nodeID, err)
	}
	c, err := BuildComposite(context.Background(), h.mem, node, h.clock.Now())
	if err != nil {
		t.Fatalf("build composite: %v", err)
	}
	return c
}

// execStatus returns the status of the only execution for a master, or "".
func (h *harness) execStatus(masterID int64) store.ExecStatus {
	for _, e := range h.mem.Executions() {
		if e.MasterID == masterID {
			return e.Status
		}
	}
	return ""
}

func (h *harness) eventsOfType(typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range h.elog.Recent(0) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls until cond holds or the test deadline expires. The fake
// clock freezes scheduler time, but worker goroutines still run on real
// time, so the poll loop uses the wall clock.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// successExec completes every probe immediately.
func successExec() probe.Executor {
	return probe.Func(func(ctx context.Context, dev *store.Device, node *store.ProbeNode) probe.Result {
		return probe.Result{Status: store.StatusSuccess, Summary: []byte(`{"onus":12}`)}
	})
}

// blockingExec holds every probe until released, recording starts.
type blockingExec struct {
	mu      sync.Mutex
	started []int64
	ready   chan int64
	release chan struct{}
}

func newBlockingExec() *blockingExec {
	return &blockingExec{
		ready:   make(chan int64, 64),
		release: make(chan struct{}),
	}
}

func (e *blockingExec) Execute(ctx context.Context, dev *store.Device, node *store.ProbeNode) probe.Result {
	e.mu.Lock()
	e.started = append(e.started, node.ID)
	e.mu.Unlock()
	e.ready <- node.ID

	select {
	case <-e.release:
		return probe.Result{Status: store.StatusSuccess}
	case <-ctx.Done():
		return probe.Result{Status: store.StatusInterrupted, Err: ctx.Err().Error()}
	}
}

// awaitStart blocks until some probe has started and returns its node id.
func (e *blockingExec) awaitStart(t *testing.T) int64 {
	t.Helper()
	select {
	case id := <-e.ready:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a probe to start")
		return 0
	}
}
