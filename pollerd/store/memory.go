package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store, DeviceQueue and
// Locker. Single-process only; used by tests and by local development
// without Postgres/Redis.
type MemoryStore struct {
	mu         sync.Mutex
	devices    map[int64]*Device
	nodes      map[int64]*ProbeNode
	execs      map[int64]*Execution
	nextExecID int64
	queues     map[int64][]*QueueEntry
	queueLimit int
	locks      map[string]memLock
}

type memLock struct {
	owner   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[int64]*Device),
		nodes:      make(map[int64]*ProbeNode),
		execs:      make(map[int64]*Execution),
		queues:     make(map[int64][]*QueueEntry),
		queueLimit: DefaultQueueSoftLimit,
		locks:      make(map[string]memLock),
	}
}

// SetQueueSoftLimit overrides the per-device threshold.
func (m *MemoryStore) SetQueueSoftLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLimit = limit
}

// AddDevice seeds a device.
func (m *MemoryStore) AddDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
}

// AddNode seeds a probe node.
func (m *MemoryStore) AddNode(n *ProbeNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.ID] = &cp
}

// Executions returns a snapshot of all execution rows.
func (m *MemoryStore) Executions() []*Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Execution, 0, len(m.execs))
	for _, e := range m.execs {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyNode(n *ProbeNode) *ProbeNode {
	cp := *n
	return &cp
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) LoadEnabledMasters(ctx context.Context, now time.Time) ([]*ProbeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ProbeNode
	for _, n := range m.nodes {
		if !n.IsMaster() || !n.Enabled || n.Gated {
			continue
		}
		d, ok := m.devices[n.DeviceID]
		if !ok || !d.Enabled {
			continue
		}
		if n.NextRunAt != nil && n.NextRunAt.After(now) {
			continue
		}
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) LoadFollowers(ctx context.Context, masterID int64) ([]*ProbeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ProbeNode
	for _, n := range m.nodes {
		if n.ChainMasterID != nil && *n.ChainMasterID == masterID && n.Enabled {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainOrder != out[j].ChainOrder {
			return out[i].ChainOrder < out[j].ChainOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetNode(ctx context.Context, id int64) (*ProbeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	return copyNode(n), nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, id int64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) InitNextRun(ctx context.Context, nodeID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if ok && n.NextRunAt == nil {
		t := at
		n.NextRunAt = &t
	}
	return nil
}

func (m *MemoryStore) TouchNodeRun(ctx context.Context, nodeID int64, at time.Time, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	t := at
	n.LastRunAt = &t
	if success {
		n.LastSuccessAt = &t
	} else {
		n.LastFailureAt = &t
	}
	return nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, e *Execution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, x := range m.execs {
		if x.DeviceID == e.DeviceID && !x.Status.Terminal() {
			return false, nil
		}
	}
	m.nextExecID++
	e.ID = m.nextExecID
	e.Status = StatusPending
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	cp := *e
	m.execs[e.ID] = &cp
	return true, nil
}

func (m *MemoryStore) MarkExecutionRunning(ctx context.Context, execID int64, workerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[execID]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusRunning
	e.WorkerID = workerID
	t := at
	e.StartedAt = &t
	return true, nil
}

func (m *MemoryStore) FinalizeExecution(ctx context.Context, execID int64, status ExecStatus, summary []byte, finishedAt time.Time, adv *MasterAdvance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[execID]
	if !ok || e.Status.Terminal() {
		return false, nil
	}
	e.Status = status
	e.Summary = summary
	t := finishedAt
	e.FinishedAt = &t

	if adv != nil {
		if n, ok := m.nodes[adv.NodeID]; ok {
			lr := adv.LastRunAt
			nr := adv.NextRunAt
			n.LastRunAt = &lr
			n.NextRunAt = &nr
			if adv.Success {
				n.LastSuccessAt = &lr
			} else {
				n.LastFailureAt = &lr
			}
		}
	}
	return true, nil
}

func (m *MemoryStore) HasActiveExecution(ctx context.Context, deviceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.DeviceID == deviceID && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasActiveExecutionFor(ctx context.Context, deviceID, masterID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.DeviceID == deviceID && e.MasterID == masterID && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.execs {
		if e.Status == StatusPending && e.WorkerID == "" && e.CreatedAt.Before(olderThan) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClearGates(ctx context.Context, masterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.GateMasterID != nil && *n.GateMasterID == masterID {
			n.Gated = false
		}
	}
	return nil
}

// --- DeviceQueue ---

func queueLess(a, b *QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.DelayScore != b.DelayScore {
		return a.DelayScore > b.DelayScore
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (m *MemoryStore) Offer(ctx context.Context, e *QueueEntry) (OfferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[e.DeviceID]
	for _, x := range q {
		if x.MasterID == e.MasterID {
			return OfferDuplicate, nil
		}
	}
	if len(q) >= m.queueLimit {
		return OfferOverloaded, nil
	}
	cp := *e
	q = append(q, &cp)
	sort.SliceStable(q, func(i, j int) bool { return queueLess(q[i], q[j]) })
	m.queues[e.DeviceID] = q
	return OfferAccepted, nil
}

func (m *MemoryStore) Poll(ctx context.Context, deviceID int64) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[deviceID]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	m.queues[deviceID] = q[1:]
	return head, nil
}

func (m *MemoryStore) Peek(ctx context.Context, deviceID int64) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[deviceID]
	if len(q) == 0 {
		return nil, nil
	}
	cp := *q[0]
	return &cp, nil
}

func (m *MemoryStore) Remove(ctx context.Context, deviceID, masterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[deviceID]
	for i, x := range q {
		if x.MasterID == masterID {
			m.queues[deviceID] = append(q[:i:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Contains(ctx context.Context, deviceID, masterID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.queues[deviceID] {
		if x.MasterID == masterID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Size(ctx context.Context, deviceID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[deviceID]), nil
}

func (m *MemoryStore) TotalSize(ctx context.Context) (int, map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	sizes := make(map[int64]int)
	for id, q := range m.queues {
		if len(q) > 0 {
			sizes[id] = len(q)
			total += len(q)
		}
	}
	return total, sizes, nil
}

// --- Locker ---

func (m *MemoryStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if l, ok := m.locks[key]; ok && l.expires.After(now) && l.owner != ownerID {
		return false, nil
	}
	m.locks[key] = memLock{owner: ownerID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.owner != ownerID || !l.expires.After(time.Now()) {
		return false, nil
	}
	l.expires = time.Now().Add(ttl)
	m.locks[key] = l
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, key, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && l.owner == ownerID {
		delete(m.locks, key)
	}
	return nil
}
