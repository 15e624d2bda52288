package onchat

import (
	"encoding/json"
	"time"
)

// Flag is a processing annotation on an Event. Reconcilers check-and-set
// flags so that replaying the log never repeats a side effect.
type Flag uint16

const (
	FlagProcessed Flag = 1 << iota
	FlagRoomProcessed
	FlagContactProcessed
	FlagAuthProcessed
	// FlagSuperseded marks events that compaction may drop.
	FlagSuperseded
	// FlagConfirmed marks a local echo matched by the server copy.
	FlagConfirmed
	// FlagSuppressed marks a server chat hidden because its echo was already shown.
	FlagSuppressed
)

// Origin tells where an Event came from.
type Origin int

const (
	OriginServer  Origin = iota
	OriginLocal          // mirrored outbound request or optimistic echo
	OriginHistory        // synthesized from a history page
	OriginCache          // synthesized from the local message cache
)

func (o Origin) String() string {
	switch o {
	case OriginServer:
		return "server"
	case OriginLocal:
		return "local"
	case OriginHistory:
		return "history"
	case OriginCache:
		return "cache"
	default:
		return "unknown"
	}
}

// PendingRequest is the client-side token a response is correlated with.
type PendingRequest struct {
	Name   EventName
	Target string
	Page   int
	SentAt time.Time
}

// Event is one entry of the event log. Everything except the flags is
// fixed once the event is appended.
type Event struct {
	Seq        uint64
	ID         string
	Name       EventName
	Status     Status
	Payload    json.RawMessage
	Message    string
	ServerTime time.Time
	ReceivedAt time.Time
	Origin     Origin
	Request    *PendingRequest
	Chat       *ChatPayload

	flags Flag
	conv  Conversation // feed a chat event was indexed into
}

// Conversation returns the feed a chat event belongs to. It is zero for
// events that are not chat messages.
func (e *Event) Conversation() Conversation { return e.conv }

// Has reports whether flag f is set.
func (e *Event) Has(f Flag) bool { return e.flags&f != 0 }

// Flags returns the current flag set.
func (e *Event) Flags() Flag { return e.flags }

func (e *Event) failed() bool { return e.Status == StatusError }

// Conversation identifies a message feed.
type Conversation struct {
	Kind ChatType
	Name string
}

func (c Conversation) String() string { return string(c.Kind) + ":" + c.Name }

// ChatMessage is the read-only view of one feed entry.
type ChatMessage struct {
	Conversation Conversation
	From         string
	To           string
	Text         string
	Time         time.Time
	Origin       Origin
	// Pending is true for a local echo the server has not confirmed yet.
	Pending bool
	Seq     uint64
}

// User is one entry of the online-user list.
type User struct {
	Name       string
	Type       ChatType
	ActionTime string
}

// CheckResult is the latest answer to CHECK_USER_ONLINE or CHECK_USER_EXIST.
type CheckResult struct {
	Kind    EventName
	User    string
	Status  Status
	Value   bool
	Message string
	Data    json.RawMessage
	At      time.Time
}

// HistoryResult describes the batch a history response produced.
type HistoryResult struct {
	Conversation Conversation
	Page         int
	Messages     []ChatMessage
}

func messageFromEvent(ev *Event, conv Conversation) ChatMessage {
	at := ev.ServerTime
	if at.IsZero() {
		at = ev.ReceivedAt
	}
	return ChatMessage{
		Conversation: conv,
		From:         ev.Chat.sender(),
		To:           ev.Chat.To,
		Text:         ev.Chat.Mes,
		Time:         at,
		Origin:       ev.Origin,
		Pending:      ev.Origin == OriginLocal && !ev.Has(FlagConfirmed),
		Seq:          ev.Seq,
	}
}
