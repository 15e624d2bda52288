package onchat

import "time"

// pendingTable correlates responses with requests. The protocol carries no
// request id, so responses of one kind are matched FIFO against the requests
// of that kind still outstanding.
type pendingTable struct {
	timeout time.Duration
	queues  map[EventName][]*PendingRequest
}

func newPendingTable(timeout time.Duration) *pendingTable {
	return &pendingTable{timeout: timeout, queues: make(map[EventName][]*PendingRequest)}
}

// exclusive kinds allow one outstanding request at a time.
func exclusive(name EventName) bool {
	switch name {
	case EventPeopleHistory, EventRoomHistory, EventCheckUserOnline, EventCheckUserExist:
		return true
	}
	return false
}

func correlated(name EventName) bool {
	switch name {
	case EventCreateRoom, EventJoinRoom:
		return true
	}
	return exclusive(name)
}

func (p *pendingTable) expire(name EventName, now time.Time) {
	if p.timeout <= 0 {
		return
	}
	q := p.queues[name]
	i := 0
	for i < len(q) && now.Sub(q[i].SentAt) > p.timeout {
		i++
	}
	if i > 0 {
		p.queues[name] = q[i:]
	}
}

// busy reports whether an unexpired request of name is outstanding.
func (p *pendingTable) busy(name EventName, now time.Time) bool {
	p.expire(name, now)
	return len(p.queues[name]) > 0
}

func (p *pendingTable) push(r *PendingRequest) {
	p.expire(r.Name, r.SentAt)
	p.queues[r.Name] = append(p.queues[r.Name], r)
}

// pop removes and returns the oldest outstanding request of name, or nil.
func (p *pendingTable) pop(name EventName) *PendingRequest {
	q := p.queues[name]
	if len(q) == 0 {
		return nil
	}
	r := q[0]
	p.queues[name] = q[1:]
	return r
}

func (p *pendingTable) reset() {
	p.queues = make(map[EventName][]*PendingRequest)
}
