// Package probe is the poller core's out-call to the probe-runner service.
// The runner owns the SNMP layer: community lookup, walks, and the inner
// worker pool that fans a GET probe out across the ONUs of an OLT. The core
// treats the returned summary as an opaque blob.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

// Result is the envelope the core understands. Summary is passed through to
// the execution row untouched.
type Result struct {
	Status   store.ExecStatus `json:"status"`
	Summary  json.RawMessage  `json:"summary,omitempty"`
	Duration time.Duration    `json:"-"`
	Err      string           `json:"error,omitempty"`
}

// Executor runs one probe against one device.
type Executor interface {
	Execute(ctx context.Context, dev *store.Device, node *store.ProbeNode) Result
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, dev *store.Device, node *store.ProbeNode) Result

func (f Func) Execute(ctx context.Context, dev *store.Device, node *store.ProbeNode) Result {
	return f(ctx, dev, node)
}

// Per-kind request budgets. Discovery walks an entire OLT; GET fan-out is
// bounded by the runner's inner pool. SNMP-level timeouts live in the runner.
const (
	discoveryTimeout = 120 * time.Second
	getTimeout       = 60 * time.Second
)

// RunnerClient executes probes against the probe-runner service over HTTP.
type RunnerClient struct {
	baseURL string
	client  *http.Client
}

func NewRunnerClient(baseURL string) *RunnerClient {
	return &RunnerClient{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type runnerRequest struct {
	DeviceID      int64           `json:"device_id"`
	Address       string          `json:"address"`
	CredentialRef string          `json:"credential_ref"`
	Vendor        string          `json:"vendor"`
	NodeID        int64           `json:"node_id"`
	Kind          store.ProbeKind `json:"kind"`
}

type runnerResponse struct {
	Status     store.ExecStatus `json:"status"`
	Summary    json.RawMessage  `json:"summary"`
	DurationMS int64            `json:"duration_ms"`
	Error      string           `json:"error"`
}

// Execute performs the out-call. Transport failures and malformed responses
// map to FAILED; the caller never sees an error value.
func (c *RunnerClient) Execute(ctx context.Context, dev *store.Device, node *store.ProbeNode) Result {
	start := time.Now()
	defer func() {
		observability.ProbeRunnerLatency.Observe(time.Since(start).Seconds())
	}()

	timeout := getTimeout
	if node.Kind == store.KindDiscovery {
		timeout = discoveryTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(runnerRequest{
		DeviceID:      dev.ID,
		Address:       dev.Address,
		CredentialRef: dev.CredentialRef,
		Vendor:        dev.Vendor,
		NodeID:        node.ID,
		Kind:          node.Kind,
	})
	if err != nil {
		return failure(start, fmt.Sprintf("marshal probe request: %v", err))
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/probe/execute", bytes.NewReader(payload))
	if err != nil {
		return failure(start, fmt.Sprintf("build probe request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: store.StatusInterrupted, Duration: time.Since(start), Err: ctx.Err().Error()}
		}
		return failure(start, fmt.Sprintf("probe runner unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failure(start, fmt.Sprintf("probe runner returned status %d", resp.StatusCode))
	}

	var rr runnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return failure(start, fmt.Sprintf("decode probe response: %v", err))
	}

	switch rr.Status {
	case store.StatusSuccess, store.StatusFailed, store.StatusInterrupted:
	default:
		return failure(start, fmt.Sprintf("probe runner returned unknown status %q", rr.Status))
	}

	return Result{
		Status:   rr.Status,
		Summary:  rr.Summary,
		Duration: time.Duration(rr.DurationMS) * time.Millisecond,
		Err:      rr.Error,
	}
}

func failure(start time.Time, msg string) Result {
	return Result{
		Status:   store.StatusFailed,
		Duration: time.Since(start),
		Err:      msg,
	}
}
