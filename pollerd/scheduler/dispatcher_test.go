package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/netfiber/oltwatch/pollerd/events"
	"github.com/netfiber/oltwatch/pollerd/store"
)

func TestSubmitDispatchesAndAdvancesMaster(t *testing.T) {
	h := newHarness(t, successExec(), Config{})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	ctx := context.Background()

	outcome := h.disp.Submit(ctx, h.composite(t, 10))
	if outcome != OutcomeDispatched {
		t.Fatalf("expected DISPATCHED, got %s", outcome)
	}

	waitFor(t, "execution success", func() bool {
		return h.execStatus(10) == store.StatusSuccess
	})

	n, _ := h.mem.GetNode(ctx, 10)
	if n.LastRunAt == nil || n.NextRunAt == nil {
		t.Fatal("master not advanced")
	}
	// No catch-up: next run is one interval from the finish instant.
	if got := n.NextRunAt.Sub(*n.LastRunAt); got != 300*time.Second {
		t.Errorf("expected next_run_at = last_run_at + interval, got +%s", got)
	}
	if n.LastSuccessAt == nil {
		t.Error("success timestamp missing")
	}

	if len(h.eventsOfType(events.TaskStarted)) != 1 {
		t.Error("expected one TASK_STARTED event")
	}
	if len(h.eventsOfType(events.TaskCompleted)) != 1 {
		t.Error("expected one TASK_COMPLETED event")
	}
}

func TestSubmitQueuesWhenDeviceBusy(t *testing.T) {
	exec := newBlockingExec()
	h := newHarness(t, exec, Config{})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	h.seedMaster(1, 11, 3)
	ctx := context.Background()

	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeDispatched {
		t.Fatalf("first submit: %s", out)
	}
	exec.awaitStart(t)

	if out := h.disp.Submit(ctx, h.composite(t, 11)); out != OutcomeQueued {
		t.Fatalf("expected QUEUED while device busy, got %s", out)
	}
	if queued, _ := h.mem.Contains(ctx, 1, 11); !queued {
		t.Error("entry missing from the pending queue")
	}
	if len(h.eventsOfType(events.Queued)) != 1 {
		t.Error("expected a QUEUED event")
	}

	close(exec.release)
}

func TestSubmitSuppressesDuplicates(t *testing.T) {
	exec := newBlockingExec()
	h := newHarness(t, exec, Config{})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	ctx := context.Background()

	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeDispatched {
		t.Fatalf("first submit: %s", out)
	}
	exec.awaitStart(t)

	// Same master again while its execution is live.
	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeDuplicate {
		t.Fatalf("expected DUPLICATE_SUPPRESSED, got %s", out)
	}
	if len(h.eventsOfType(events.DuplicateSuppressed)) != 1 {
		t.Error("expected a DUPLICATE_SUPPRESSED event")
	}
	if execs := h.mem.Executions(); len(execs) != 1 {
		t.Errorf("expected a single execution row, got %d", len(execs))
	}

	close(exec.release)
}

func TestSubmitQueuedEntryIsAlsoDuplicate(t *testing.T) {
	exec := newBlockingExec()
	h := newHarness(t, exec, Config{})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	h.seedMaster(1, 11, 3)
	ctx := context.Background()

	h.disp.Submit(ctx, h.composite(t, 10))
	exec.awaitStart(t)
	if out := h.disp.Submit(ctx, h.composite(t, 11)); out != OutcomeQueued {
		t.Fatalf("queue submit: %s", out)
	}

	// The queued master resubmitted on a later tick must not double up.
	if out := h.disp.Submit(ctx, h.composite(t, 11)); out != OutcomeDuplicate {
		t.Fatalf("expected DUPLICATE_SUPPRESSED for queued master, got %s", out)
	}
	if n, _ := h.mem.Size(ctx, 1); n != 1 {
		t.Errorf("expected queue size 1, got %d", n)
	}

	close(exec.release)
}

func TestSubmitTooSoonAfterRecentRun(t *testing.T) {
	h := newHarness(t, successExec(), Config{})
	h.seedDevice(1)
	n := h.seedMaster(1, 10, 5)
	ctx := context.Background()

	lastRun := h.clock.Now().Add(-time.Second)
	n.LastRunAt = &lastRun
	h.mem.AddNode(n)

	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeTooSoon {
		t.Fatalf("expected TOO_SOON, got %s", out)
	}
	if len(h.eventsOfType(events.TooSoon)) != 1 {
		t.Error("expected a TOO_SOON event")
	}

	// Outside the guard window the same master is admitted.
	older := h.clock.Now().Add(-5 * time.Second)
	n.LastRunAt = &older
	h.mem.AddNode(n)
	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeDispatched {
		t.Fatalf("expected DISPATCHED outside guard window, got %s", out)
	}
	waitFor(t, "execution success", func() bool {
		return h.execStatus(10) == store.StatusSuccess
	})
}

func TestSubmitQueuesWhenPoolFull(t *testing.T) {
	h := newHarness(t, successExec(), Config{PoolSize: -1})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	ctx := context.Background()

	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeQueuedPoolFull {
		t.Fatalf("expected QUEUED_POOL_FULL, got %s", out)
	}
	if queued, _ := h.mem.Contains(ctx, 1, 10); !queued {
		t.Error("entry missing from the pending queue")
	}
}

func TestSubmitOverloadPastSoftThreshold(t *testing.T) {
	h := newHarness(t, successExec(), Config{PoolSize: -1, QueueSoftLimit: 1})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	h.seedMaster(1, 11, 5)
	ctx := context.Background()

	if out := h.disp.Submit(ctx, h.composite(t, 10)); out != OutcomeQueuedPoolFull {
		t.Fatalf("first submit: %s", out)
	}
	if out := h.disp.Submit(ctx, h.composite(t, 11)); out != OutcomeOverloaded {
		t.Fatalf("expected OVERLOAD, got %s", out)
	}
	if len(h.eventsOfType(events.Overload)) != 1 {
		t.Error("expected an OVERLOAD event")
	}
	// The refused master is not in the queue; it will be due again next tick.
	if queued, _ := h.mem.Contains(ctx, 1, 11); queued {
		t.Error("overloaded offer still landed in the queue")
	}
}

func TestEveryDecisionIsLogged(t *testing.T) {
	h := newHarness(t, successExec(), Config{})
	h.seedDevice(1)
	h.seedMaster(1, 10, 5)
	ctx := context.Background()

	h.disp.Submit(ctx, h.composite(t, 10))
	waitFor(t, "execution success", func() bool {
		return h.execStatus(10) == store.StatusSuccess
	})

	decisions := h.eventsOfType(events.DispatchDecision)
	if len(decisions) != 1 {
		t.Fatalf("expected one DISPATCH_DECISION, got %d", len(decisions))
	}
	if decisions[0].Outcome != string(OutcomeDispatched) {
		t.Errorf("unexpected outcome %q", decisions[0].Outcome)
	}
}
