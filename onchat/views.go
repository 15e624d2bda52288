package onchat

import (
	"encoding/json"
	"strings"
	"time"
)

// views holds the indexed projections of the event log. They are updated as
// events are reconciled instead of being recomputed by scanning the log.
type views struct {
	self    string
	users   []User
	rooms   []string
	roomSet map[string]struct{}
	feeds   map[Conversation]*feed
	checks  map[EventName]CheckResult
	history map[Conversation]HistoryResult
}

// feed keeps the history batch ahead of realtime events.
type feed struct {
	source  *Event
	history []*Event
	live    []*Event
}

func newViews() *views {
	v := &views{}
	v.reset("")
	return v
}

func (v *views) reset(self string) {
	v.self = self
	v.users = nil
	v.rooms = nil
	v.roomSet = make(map[string]struct{})
	v.feeds = make(map[Conversation]*feed)
	v.checks = make(map[EventName]CheckResult)
	v.history = make(map[Conversation]HistoryResult)
}

func (v *views) feed(c Conversation) *feed {
	f, ok := v.feeds[c]
	if !ok {
		f = &feed{}
		v.feeds[c] = f
	}
	return f
}

// addRoom records a confirmed join and reports whether the name is new.
func (v *views) addRoom(name string) bool {
	if _, ok := v.roomSet[name]; ok {
		return false
	}
	v.roomSet[name] = struct{}{}
	v.rooms = append(v.rooms, name)
	return true
}

func (v *views) messages(c Conversation) []ChatMessage {
	f, ok := v.feeds[c]
	if !ok {
		return nil
	}
	out := make([]ChatMessage, 0, len(f.history)+len(f.live))
	for _, ev := range f.history {
		out = append(out, messageFromEvent(ev, c))
	}
	for _, ev := range f.live {
		out = append(out, messageFromEvent(ev, c))
	}
	return out
}

// matchEcho finds the oldest unconfirmed local echo with the same text that is
// still inside window.
func (f *feed) matchEcho(text string, now time.Time, window time.Duration) *Event {
	for _, ev := range f.live {
		if ev.Origin != OriginLocal || ev.Has(FlagConfirmed) || ev.Chat.Mes != text {
			continue
		}
		if window > 0 && now.Sub(ev.ReceivedAt) > window {
			continue
		}
		return ev
	}
	return nil
}

// conversationFor names the feed a chat payload belongs to from self's side.
func conversationFor(c *ChatPayload, self string) Conversation {
	if c.Type == ChatRoom {
		return Conversation{Kind: ChatRoom, Name: c.To}
	}
	from := c.sender()
	peer := from
	if from == "" || from == self {
		peer = c.To
	}
	return Conversation{Kind: ChatPeople, Name: peer}
}

// parseChat decodes a SEND_CHAT payload. Chats without a type are treated as
// direct messages.
func parseChat(data json.RawMessage) (*ChatPayload, error) {
	var c ChatPayload
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Type == "" {
		c.Type = ChatPeople
	}
	return &c, nil
}

// parseUsers accepts an array of objects carrying name, user or username.
func parseUsers(data json.RawMessage) ([]User, error) {
	var raw []map[string]json.RawMessage
	if len(data) == 0 || string(data) == "null" {
		return []User{}, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(raw))
	for _, obj := range raw {
		u := User{
			Name:       stringField(obj, "name", "user", "username"),
			ActionTime: stringField(obj, "actionTime"),
			Type:       ChatPeople,
		}
		if t, ok := obj["type"]; ok {
			var ct ChatType
			if err := json.Unmarshal(t, &ct); err == nil && ct != "" {
				u.Type = ct
			}
		}
		if u.Name == "" {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// roomName names the room a CREATE_ROOM/JOIN_ROOM response refers to. The
// correlated request wins; a bare string reply may be an acknowledgement.
func roomName(ev *Event) string {
	if ev.Request != nil && ev.Request.Target != "" {
		return ev.Request.Target
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &obj); err == nil {
		return stringField(obj, "name", "room")
	}
	var s string
	if err := json.Unmarshal(ev.Payload, &s); err == nil {
		return s
	}
	return ""
}

func parseCheck(ev *Event) CheckResult {
	res := CheckResult{
		Kind:    ev.Name,
		Status:  ev.Status,
		Message: ev.Message,
		Data:    ev.Payload,
		At:      ev.ReceivedAt,
	}
	if ev.Request != nil {
		res.User = ev.Request.Target
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &obj); err == nil {
		if raw, ok := obj["status"]; ok {
			_ = json.Unmarshal(raw, &res.Value)
		}
		if res.User == "" {
			res.User = stringField(obj, "user", "name")
		}
	} else {
		_ = json.Unmarshal(ev.Payload, &res.Value)
	}
	return res
}

func isNotLoggedIn(mes string) bool {
	m := strings.ToLower(mes)
	return strings.Contains(m, notLoggedInMessage) || strings.Contains(m, "not logged in")
}

func reLoginCode(data json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return stringField(obj, reLoginCodeField)
}
