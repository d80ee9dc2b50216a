package store

import (
	"encoding/json"
	"time"
)

// ProbeKind distinguishes the two SNMP probe families.
type ProbeKind string

const (
	KindDiscovery ProbeKind = "discovery" // walk: enumerate ONU index keys
	KindGet       ProbeKind = "get"       // fan-out GET across known ONUs
)

// ExecStatus is the lifecycle status of an execution row.
type ExecStatus string

const (
	StatusPending     ExecStatus = "PENDING"
	StatusRunning     ExecStatus = "RUNNING"
	StatusSuccess     ExecStatus = "SUCCESS"
	StatusFailed      ExecStatus = "FAILED"
	StatusInterrupted ExecStatus = "INTERRUPTED"
)

// Terminal reports whether the status is final.
func (s ExecStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusInterrupted
}

// Device is a managed OLT. Created and edited out-of-band; the poller core
// only observes the enabled flag and never writes device rows.
type Device struct {
	ID            int64  `json:"id" db:"id"`
	Label         string `json:"label" db:"label"`
	Address       string `json:"address" db:"address"`
	CredentialRef string `json:"credential_ref" db:"credential_ref"` // opaque handle, resolved by the probe runner
	Vendor        string `json:"vendor" db:"vendor"`
	Enabled       bool   `json:"enabled" db:"enabled"`
}

// ProbeNode is one unit of SNMP work bound to a device. A node with a nil
// ChainMasterID is a master and carries its own schedule; followers inherit
// scheduling from their master and are ordered by ChainOrder.
type ProbeNode struct {
	ID            int64      `json:"id" db:"id"`
	DeviceID      int64      `json:"device_id" db:"device_id"`
	Name          string     `json:"name" db:"name"`
	Kind          ProbeKind  `json:"kind" db:"kind"`
	Priority      int        `json:"priority" db:"priority"`
	IntervalSec   int        `json:"interval_sec" db:"interval_sec"`
	Enabled       bool       `json:"enabled" db:"enabled"`
	NextRunAt     *time.Time `json:"next_run_at" db:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at" db:"last_run_at"`
	LastSuccessAt *time.Time `json:"last_success_at" db:"last_success_at"`
	LastFailureAt *time.Time `json:"last_failure_at" db:"last_failure_at"`
	ChainMasterID *int64     `json:"chain_master_id" db:"chain_master_id"`
	ChainOrder    int        `json:"chain_order" db:"chain_order"`

	// Fire-on-success gating between masters on the same device. A master
	// with Gated=true is skipped by the tick until the master identified by
	// GateMasterID finishes SUCCESS, which clears the flag.
	GateMasterID *int64 `json:"gate_master_id" db:"gate_master_id"`
	Gated        bool   `json:"gated" db:"gated"`
}

// Interval returns the node interval as a duration.
func (n *ProbeNode) Interval() time.Duration {
	return time.Duration(n.IntervalSec) * time.Second
}

// IsMaster reports whether the node carries its own schedule.
func (n *ProbeNode) IsMaster() bool {
	return n.ChainMasterID == nil
}

// Execution is the durable record of one composite run. At most one row per
// device may be in {PENDING, RUNNING}; the database enforces this with a
// partial unique index (see schema.sql).
type Execution struct {
	ID         int64           `json:"id" db:"id"`
	DeviceID   int64           `json:"device_id" db:"device_id"`
	MasterID   int64           `json:"master_id" db:"master_id"`
	Status     ExecStatus      `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	StartedAt  *time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at" db:"finished_at"`
	WorkerID   string          `json:"worker_id" db:"worker_id"`
	Attempt    int             `json:"attempt" db:"attempt"`
	Summary    json.RawMessage `json:"summary" db:"summary"`
}

// QueueEntry is a durable pending-queue record waiting for its device to
// free. DelayScore is frozen at enqueue time; the queue never re-ranks.
type QueueEntry struct {
	DeviceID   int64     `json:"device_id"`
	MasterID   int64     `json:"master_id"`
	Priority   int       `json:"priority"`
	DelayScore int64     `json:"delay_score"` // seconds of arrears at enqueue
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MasterAdvance describes the scheduling write applied together with an
// execution's final status. Nil advance means the master is left untouched
// (shutdown or watchdog interruption, so the next tick re-schedules).
type MasterAdvance struct {
	NodeID    int64
	LastRunAt time.Time
	NextRunAt time.Time
	Success   bool
}
