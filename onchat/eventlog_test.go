package onchat

import (
	"testing"
	"time"
)

func TestEventLogAppendAndLatest(t *testing.T) {
	l := NewEventLog()
	a := l.Append(&Event{Name: EventUserList, Origin: OriginServer})
	l.Append(&Event{Name: EventUserList, Origin: OriginLocal})
	b := l.Append(&Event{Name: EventUserList, Origin: OriginServer})

	if a.Seq != 1 || b.Seq != 3 {
		t.Fatalf("unexpected sequence numbers: %d %d", a.Seq, b.Seq)
	}
	if a.ReceivedAt.IsZero() {
		t.Fatalf("expected receive time to be set")
	}
	if got := l.Latest(EventUserList); got != b {
		t.Fatalf("latest should be the newest server event, got seq %d", got.Seq)
	}
	if l.Latest(EventJoinRoom) != nil {
		t.Fatalf("expected no JOIN_ROOM event")
	}
}

func TestEventLogMarkProcessed(t *testing.T) {
	l := NewEventLog()
	ev := l.Append(&Event{Name: EventCreateRoom})

	if !l.MarkProcessed(ev, FlagProcessed) {
		t.Fatalf("first mark should succeed")
	}
	if l.MarkProcessed(ev, FlagProcessed) {
		t.Fatalf("second mark should report already set")
	}
	if !l.MarkProcessed(ev, FlagRoomProcessed) {
		t.Fatalf("flags are independent")
	}
	if ev.Flags() != FlagProcessed|FlagRoomProcessed {
		t.Fatalf("unexpected flags %b", ev.Flags())
	}
}

func TestEventLogCompact(t *testing.T) {
	l := NewEventLog()
	old := l.Append(&Event{Name: EventRoomHistory, Origin: OriginServer})
	l.Append(&Event{Name: EventSendChat, Origin: OriginHistory})
	keep := l.Append(&Event{Name: EventRoomHistory, Origin: OriginServer})
	l.MarkProcessed(old, FlagSuperseded)

	if n := l.Compact(); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 events left, got %d", l.Len())
	}
	if l.Latest(EventRoomHistory) != keep {
		t.Fatalf("latest must survive compaction")
	}
	if l.Compact() != 0 {
		t.Fatalf("second compaction should be a no-op")
	}
}

func TestEventLogResetKeepsSequence(t *testing.T) {
	l := NewEventLog()
	l.Append(&Event{Name: EventLogin})
	l.Reset()
	ev := l.Append(&Event{Name: EventLogin})

	if l.Len() != 1 || ev.Seq != 2 {
		t.Fatalf("unexpected state after reset: len=%d seq=%d", l.Len(), ev.Seq)
	}
	if got := l.Select(func(e *Event) bool { return e.Name == EventLogout }); len(got) != 0 {
		t.Fatalf("unexpected selection: %d", len(got))
	}
}

func TestPendingTableFIFOAndExpiry(t *testing.T) {
	clock := &testClock{at: time.Unix(1700000000, 0)}
	p := newPendingTable(10 * time.Second)

	p.push(&PendingRequest{Name: EventJoinRoom, Target: "a", SentAt: clock.Now()})
	p.push(&PendingRequest{Name: EventJoinRoom, Target: "b", SentAt: clock.Now()})
	if r := p.pop(EventJoinRoom); r == nil || r.Target != "a" {
		t.Fatalf("expected oldest request first, got %+v", r)
	}
	if !p.busy(EventJoinRoom, clock.Now()) {
		t.Fatalf("expected one request outstanding")
	}
	clock.Advance(11 * time.Second)
	if p.busy(EventJoinRoom, clock.Now()) {
		t.Fatalf("expected request to expire")
	}
	if p.pop(EventJoinRoom) != nil {
		t.Fatalf("expected empty queue")
	}
}
