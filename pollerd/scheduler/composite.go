package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/probe"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Composite is the ephemeral unit of dispatch: one master probe plus its
// ordered followers, all bound to the same device. It lives from the tick
// (or queue drain, or manual trigger) that built it until its completion
// callback finishes; the durable record is the execution row.
type Composite struct {
	Master    *store.ProbeNode
	Followers []*store.ProbeNode

	// Delayed and DelaySeconds capture the arrears of the master at build
	// time. They feed the ready-set sort key and, frozen, the queue score.
	Delayed      bool
	DelaySeconds int64

	// ExecutionID is set by the dispatcher once the row exists.
	ExecutionID int64
	Attempt     int
}

func (c *Composite) DeviceID() int64 { return c.Master.DeviceID }
func (c *Composite) MasterID() int64 { return c.Master.ID }

// BuildComposite snapshots a master and its followers into a dispatchable
// unit. A master is delayed when it is overdue by more than one interval.
func BuildComposite(ctx context.Context, st store.Store, master *store.ProbeNode, now time.Time) (*Composite, error) {
	followers, err := st.LoadFollowers(ctx, master.ID)
	if err != nil {
		return nil, fmt.Errorf("load followers of node %d: %w", master.ID, err)
	}
	c := &Composite{
		Master:    master,
		Followers: followers,
		Attempt:   1,
	}
	if master.NextRunAt != nil && now.After(*master.NextRunAt) {
		arrears := now.Sub(*master.NextRunAt)
		c.DelaySeconds = int64(arrears / time.Second)
		c.Delayed = arrears > master.Interval()
	}
	return c, nil
}

// SortReadySet orders the per-tick ready-set in place: delayed composites
// first, then deeper arrears, then higher priority, then lower device id.
func SortReadySet(cs []*Composite) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Delayed != b.Delayed {
			return a.Delayed
		}
		if a.DelaySeconds != b.DelaySeconds {
			return a.DelaySeconds > b.DelaySeconds
		}
		if a.Master.Priority != b.Master.Priority {
			return a.Master.Priority > b.Master.Priority
		}
		return a.DeviceID() < b.DeviceID()
	})
}

// Result is the outcome of running a composite.
type Result struct {
	Status     store.ExecStatus
	Summary    []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

type probeReport struct {
	NodeID     int64           `json:"node_id"`
	Name       string          `json:"name"`
	Kind       store.ProbeKind `json:"kind"`
	Status     store.ExecStatus `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

type compositeSummary struct {
	Status    store.ExecStatus `json:"status"`
	Master    probeReport      `json:"master"`
	Followers []probeReport    `json:"followers,omitempty"`
	Skipped   []int64          `json:"skipped_node_ids,omitempty"`
}

// Execute runs the master, then each follower in chain order. The first
// failure (or a cancelled context) stops the chain; the remaining followers
// are recorded as skipped. Follower outcomes are written through
// TouchNodeRun as the chain advances so their timestamps survive even when
// the composite is later interrupted.
func (c *Composite) Execute(ctx context.Context, exec probe.Executor, dev *store.Device, st store.Store, clock clockwork.Clock) Result {
	started := clock.Now()

	if ctx.Err() != nil {
		return Result{Status: store.StatusInterrupted, StartedAt: started, FinishedAt: started}
	}

	sum := compositeSummary{}
	masterRes := runProbe(ctx, exec, dev, c.Master)
	sum.Master = report(c.Master, masterRes)
	sum.Status = masterRes.Status

	if masterRes.Status == store.StatusSuccess {
		for i, f := range c.Followers {
			if ctx.Err() != nil {
				sum.Status = store.StatusInterrupted
				for _, rest := range c.Followers[i:] {
					sum.Skipped = append(sum.Skipped, rest.ID)
				}
				break
			}
			fr := runProbe(ctx, exec, dev, f)
			sum.Followers = append(sum.Followers, report(f, fr))
			// Timestamps only; a failed touch never stops the chain.
			_ = st.TouchNodeRun(ctx, f.ID, clock.Now(), fr.Status == store.StatusSuccess)
			if fr.Status != store.StatusSuccess {
				sum.Status = fr.Status
				for _, rest := range c.Followers[i+1:] {
					sum.Skipped = append(sum.Skipped, rest.ID)
				}
				break
			}
		}
	} else {
		// FAILED or INTERRUPTED master: the whole chain is skipped either way.
		for _, f := range c.Followers {
			sum.Skipped = append(sum.Skipped, f.ID)
		}
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"status":%q,"error":"summary marshal failed"}`, sum.Status))
	}
	return Result{
		Status:     sum.Status,
		Summary:    payload,
		StartedAt:  started,
		FinishedAt: clock.Now(),
	}
}

func report(n *store.ProbeNode, r probe.Result) probeReport {
	return probeReport{
		NodeID:     n.ID,
		Name:       n.Name,
		Kind:       n.Kind,
		Status:     r.Status,
		DurationMS: r.Duration.Milliseconds(),
		Error:      r.Err,
	}
}

// runProbe contains anything the executor throws. A panicking probe becomes
// a FAILED result instead of taking down the slot.
func runProbe(ctx context.Context, exec probe.Executor, dev *store.Device, node *store.ProbeNode) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = probe.Result{
				Status: store.StatusFailed,
				Err:    fmt.Sprintf("probe panicked: %v", r),
			}
		}
	}()
	return exec.Execute(ctx, dev, node)
}
