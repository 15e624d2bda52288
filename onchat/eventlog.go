package onchat

import "time"

// EventLog is the append-only record every view is derived from.
// It is not safe for concurrent use; Session serialises access.
type EventLog struct {
	events []*Event
	seq    uint64
	latest map[EventName]*Event
}

func NewEventLog() *EventLog {
	return &EventLog{latest: make(map[EventName]*Event)}
}

// Append assigns the next sequence number and stores ev.
func (l *EventLog) Append(ev *Event) *Event {
	l.seq++
	ev.Seq = l.seq
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	l.events = append(l.events, ev)
	if ev.Origin == OriginServer {
		l.latest[ev.Name] = ev
	}
	return ev
}

// Select returns the events matching pred, oldest first.
func (l *EventLog) Select(pred func(*Event) bool) []*Event {
	var out []*Event
	for _, ev := range l.events {
		if pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Latest returns the most recent server event named name, or nil.
func (l *EventLog) Latest(name EventName) *Event {
	return l.latest[name]
}

// MarkProcessed sets f on ev and reports whether it was unset before.
func (l *EventLog) MarkProcessed(ev *Event, f Flag) bool {
	if ev.flags&f != 0 {
		return false
	}
	ev.flags |= f
	return true
}

// Len returns the number of retained events.
func (l *EventLog) Len() int { return len(l.events) }

// Compact drops superseded events and returns how many were removed.
func (l *EventLog) Compact() int {
	kept := l.events[:0]
	removed := 0
	for _, ev := range l.events {
		if ev.Has(FlagSuperseded) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(l.events); i++ {
		l.events[i] = nil
	}
	l.events = kept
	if removed > 0 {
		l.latest = make(map[EventName]*Event)
		for _, ev := range l.events {
			if ev.Origin == OriginServer {
				l.latest[ev.Name] = ev
			}
		}
	}
	return removed
}

// Reset empties the log. Sequence numbers keep increasing.
func (l *EventLog) Reset() {
	l.events = nil
	l.latest = make(map[EventName]*Event)
}

// snapshot copies the events so callers cannot mutate flags.
func (l *EventLog) snapshot() []Event {
	out := make([]Event, len(l.events))
	for i, ev := range l.events {
		out[i] = *ev
	}
	return out
}
