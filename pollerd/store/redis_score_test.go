package store

import (
	"sort"
	"testing"
)

// The ZSET score must reproduce (priority desc, delay desc) under ZPOPMAX:
// higher score pops first.
func TestQueueScoreOrdering(t *testing.T) {
	cases := []struct {
		name   string
		hi, lo *QueueEntry
	}{
		{
			name: "priority dominates delay",
			hi:   &QueueEntry{Priority: 5, DelayScore: 0},
			lo:   &QueueEntry{Priority: 4, DelayScore: maxQueueDelayScore},
		},
		{
			name: "delay orders within a priority",
			hi:   &QueueEntry{Priority: 5, DelayScore: 10},
			lo:   &QueueEntry{Priority: 5, DelayScore: 9},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hi := queueScore(tc.hi.Priority, tc.hi.DelayScore)
			lo := queueScore(tc.lo.Priority, tc.lo.DelayScore)
			if hi <= lo {
				t.Errorf("expected score %v > %v", hi, lo)
			}
		})
	}
}

// Every packed score is an exact integer in float64, so adjacent delay
// values stay distinct even at high priorities where a fractional encoding
// would fall below one ulp.
func TestQueueScoreExactAcrossPriorities(t *testing.T) {
	for _, p := range []int{0, 5, 90, 500, int(maxQueuePriority)} {
		if queueScore(p, 1) <= queueScore(p, 0) {
			t.Errorf("priority %d: delay 1 and 0 collapsed to one score", p)
		}
		if queueScore(p, maxQueueDelayScore) <= queueScore(p, maxQueueDelayScore-1) {
			t.Errorf("priority %d: adjacent scores collapsed at max delay", p)
		}
	}
}

// Equal (priority, delay) entries carry the enqueue order in the member:
// ZPOPMAX breaks score ties by popping the lexicographically greatest
// member, so the earlier sequence must sort last.
func TestQueueMemberBreaksEnqueueTies(t *testing.T) {
	if queueScore(90, 0) != queueScore(90, 0) {
		t.Fatal("identical inputs produced different scores")
	}

	members := []string{
		queueMember(3, 7),
		queueMember(1, 9),
		queueMember(2, 10),
	}
	sort.Strings(members)

	// Ascending lex order ends with the oldest entry (seq 1), which is the
	// one ZPOPMAX hands out first.
	want := []string{queueMember(3, 7), queueMember(2, 10), queueMember(1, 9)}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("expected member order %v, got %v", want, members)
		}
	}
}

func TestQueueScoreClampsDelayAndPriority(t *testing.T) {
	// A pathological delay must never leak into the priority band.
	overflow := queueScore(4, 1<<40)
	higherPrio := queueScore(5, 0)
	if overflow >= higherPrio {
		t.Errorf("clamped delay crossed the priority band: %v >= %v", overflow, higherPrio)
	}

	negative := queueScore(5, -10)
	zero := queueScore(5, 0)
	if negative != zero {
		t.Errorf("negative delay should clamp to zero: %v != %v", negative, zero)
	}

	if queueScore(-3, 10) != queueScore(0, 10) {
		t.Error("negative priority should clamp to zero")
	}
}

func TestDeviceIDFromQueueKey(t *testing.T) {
	id, ok := DeviceIDFromQueueKey(QueueKey(42))
	if !ok || id != 42 {
		t.Errorf("round trip failed: id=%d ok=%v", id, ok)
	}
	if _, ok := DeviceIDFromQueueKey("oltwatch:lock:drain:42"); ok {
		t.Error("non-queue key parsed as queue key")
	}
	if _, ok := DeviceIDFromQueueKey(QueueIndexKey(42)); ok {
		t.Error("index key parsed as queue key")
	}
	if _, ok := DeviceIDFromQueueKey(QueueSeqKey(42)); ok {
		t.Error("sequence key parsed as queue key")
	}
}
