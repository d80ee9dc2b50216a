package events

import "testing"

func TestAppendAssignsSequence(t *testing.T) {
	l := NewLog(10)
	l.Append(Event{Type: TickStart})
	l.Append(Event{Type: TickStart})

	recent := l.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].Seq != 2 || recent[1].Seq != 1 {
		t.Errorf("expected newest-first seq [2 1], got [%d %d]", recent[0].Seq, recent[1].Seq)
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestRecentLimit(t *testing.T) {
	l := NewLog(100)
	for i := 0; i < 10; i++ {
		l.Append(Event{Type: TickStart})
	}
	got := l.Recent(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Seq != 10 {
		t.Errorf("expected newest seq 10 first, got %d", got[0].Seq)
	}
}

func TestByDeviceAndByMaster(t *testing.T) {
	l := NewLog(100)
	l.Append(Event{Type: TaskStarted, DeviceID: 1, MasterID: 10})
	l.Append(Event{Type: TaskStarted, DeviceID: 2, MasterID: 20})
	l.Append(Event{Type: TaskCompleted, DeviceID: 1, MasterID: 10})

	byDev := l.ByDevice(1, 0)
	if len(byDev) != 2 {
		t.Fatalf("expected 2 events for device 1, got %d", len(byDev))
	}
	if byDev[0].Type != TaskCompleted {
		t.Errorf("expected newest first, got %s", byDev[0].Type)
	}

	byMaster := l.ByMaster(20, 0)
	if len(byMaster) != 1 || byMaster[0].DeviceID != 2 {
		t.Errorf("unexpected master index result: %+v", byMaster)
	}
}

func TestCompactionKeepsNewestAndIndexes(t *testing.T) {
	l := NewLog(10)
	for i := 0; i < 25; i++ {
		l.Append(Event{Type: TickStart, DeviceID: 7})
	}

	if l.Len() > 10 {
		t.Fatalf("expected at most 10 retained events, got %d", l.Len())
	}
	recent := l.Recent(1)
	if recent[0].Seq != 25 {
		t.Errorf("expected newest seq 25 to survive compaction, got %d", recent[0].Seq)
	}
	byDev := l.ByDevice(7, 0)
	if len(byDev) != l.Len() {
		t.Errorf("index out of sync after compaction: %d events, %d indexed", l.Len(), len(byDev))
	}
}
