package events

import (
	"sync"
	"time"
)

// Type enumerates the scheduling decisions recorded in the event log.
type Type string

const (
	TickStart           Type = "TICK_START"
	NextRunInitialized  Type = "NEXT_RUN_INITIALIZED"
	DispatchDecision    Type = "DISPATCH_DECISION"
	DuplicateSuppressed Type = "DUPLICATE_SUPPRESSED"
	TooSoon             Type = "TOO_SOON"
	Queued              Type = "QUEUED"
	SlotFreed           Type = "SLOT_FREED"
	TaskStarted         Type = "TASK_STARTED"
	TaskCompleted       Type = "TASK_COMPLETED"
	Overload            Type = "OVERLOAD"
	OrphanRecovered     Type = "ORPHAN_RECOVERED"
	Shutdown            Type = "SHUTDOWN"
)

// Event is one append-only record of a scheduling decision.
type Event struct {
	Seq         int64     `json:"seq"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    int64     `json:"device_id,omitempty"`
	MasterID    int64     `json:"master_id,omitempty"`
	ExecutionID int64     `json:"execution_id,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Status      string    `json:"status,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Log is an append-only in-memory event record indexed by device and by
// master. Events are never mutated; when the log exceeds its capacity the
// oldest half is discarded and the indexes rebuilt.
type Log struct {
	mu       sync.RWMutex
	events   []Event
	byDevice map[int64][]int
	byMaster map[int64][]int
	capacity int
	seq      int64
}

const defaultCapacity = 20000

// NewLog creates a Log. capacity <= 0 selects the default.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		byDevice: make(map[int64][]int),
		byMaster: make(map[int64][]int),
		capacity: capacity,
	}
}

// Append records an event. It assigns the sequence number and timestamp if
// unset, and must stay cheap: callers fire it from the scheduler tick.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if len(l.events) >= l.capacity {
		l.compact()
	}

	idx := len(l.events)
	l.events = append(l.events, e)
	if e.DeviceID != 0 {
		l.byDevice[e.DeviceID] = append(l.byDevice[e.DeviceID], idx)
	}
	if e.MasterID != 0 {
		l.byMaster[e.MasterID] = append(l.byMaster[e.MasterID], idx)
	}
}

// compact drops the oldest half and rebuilds indexes. Caller holds l.mu.
func (l *Log) compact() {
	keep := l.events[len(l.events)/2:]
	l.events = append([]Event(nil), keep...)
	l.byDevice = make(map[int64][]int)
	l.byMaster = make(map[int64][]int)
	for i, e := range l.events {
		if e.DeviceID != 0 {
			l.byDevice[e.DeviceID] = append(l.byDevice[e.DeviceID], i)
		}
		if e.MasterID != 0 {
			l.byMaster[e.MasterID] = append(l.byMaster[e.MasterID], i)
		}
	}
}

// Recent returns up to limit most recent events, newest first.
func (l *Log) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[i])
	}
	return out
}

// ByDevice returns up to limit most recent events for a device, newest first.
func (l *Log) ByDevice(deviceID int64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byDevice[deviceID], limit)
}

// ByMaster returns up to limit most recent events for a master, newest first.
func (l *Log) ByMaster(masterID int64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byMaster[masterID], limit)
}

func (l *Log) collect(idxs []int, limit int) []Event {
	n := len(idxs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[idxs[i]])
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
