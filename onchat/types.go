package onchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EventName identifies a request/response pair of the onchat protocol.
type EventName string

const (
	EventLogin           EventName = "LOGIN"
	EventRegister        EventName = "REGISTER"
	EventReLogin         EventName = "RE_LOGIN"
	EventLogout          EventName = "LOGOUT"
	EventUserList        EventName = "GET_USER_LIST"
	EventSendChat        EventName = "SEND_CHAT"
	EventCreateRoom      EventName = "CREATE_ROOM"
	EventJoinRoom        EventName = "JOIN_ROOM"
	EventPeopleHistory   EventName = "GET_PEOPLE_CHAT_MES"
	EventRoomHistory     EventName = "GET_ROOM_CHAT_MES"
	EventCheckUserOnline EventName = "CHECK_USER_ONLINE"
	EventCheckUserExist  EventName = "CHECK_USER_EXIST"
)

const (
	requestAction      = "onchat"
	notLoggedInMessage = "user not login"
	reLoginCodeField   = "RE_LOGIN_CODE"
)

// Status of an inbound frame. Outbound and local events carry StatusNone.
type Status string

const (
	StatusNone    Status = ""
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ChatType distinguishes direct conversations from room conversations.
type ChatType string

const (
	ChatPeople ChatType = "people"
	ChatRoom   ChatType = "room"
)

// UnmarshalJSON accepts both the string form and the numeric code (0=people, 1=room).
func (t *ChatType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return t.parse(s)
	}
	return t.parse(string(b))
}

func (t *ChatType) parse(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "people", "0":
		*t = ChatPeople
	case "room", "1":
		*t = ChatRoom
	case "":
		*t = ""
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return fmt.Errorf("unknown chat type code %d", n)
		}
		return fmt.Errorf("unknown chat type %q", s)
	}
	return nil
}

// Request is the envelope client -> server.
type Request struct {
	Action string      `json:"action"`
	Data   RequestBody `json:"data"`
}

// RequestBody carries the event name and its payload.
type RequestBody struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

// Frame is the flat envelope server -> client.
type Frame struct {
	Event  EventName       `json:"event"`
	Status Status          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Mes    string          `json:"mes,omitempty"`
}

func newRequest(name EventName, payload any) Request {
	if payload == nil {
		payload = struct{}{}
	}
	return Request{Action: requestAction, Data: RequestBody{Event: name, Data: payload}}
}

// CredentialsPayload is used by LOGIN and REGISTER.
type CredentialsPayload struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// ReLoginPayload re-authenticates with a previously issued code.
type ReLoginPayload struct {
	User string `json:"user"`
	Code string `json:"code"`
}

// ChatPayload is the SEND_CHAT body. From is only present on inbound frames.
type ChatPayload struct {
	Type     ChatType `json:"type"`
	To       string   `json:"to"`
	Mes      string   `json:"mes"`
	From     string   `json:"from,omitempty"`
	Name     string   `json:"name,omitempty"`
	CreateAt string   `json:"createAt,omitempty"`
}

// sender returns the author, which the server reports as either from or name.
func (p ChatPayload) sender() string {
	if p.From != "" {
		return p.From
	}
	return p.Name
}

// RoomPayload is used by CREATE_ROOM and JOIN_ROOM.
type RoomPayload struct {
	Name string `json:"name"`
}

// HistoryPayload requests one page of a conversation.
type HistoryPayload struct {
	Name string `json:"name"`
	Page int    `json:"page"`
}

// UserPayload is used by CHECK_USER_ONLINE and CHECK_USER_EXIST.
type UserPayload struct {
	User string `json:"user"`
}

// decodeFrame parses one inbound text frame.
func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame without event name")
	}
	f.Status = Status(strings.ToLower(string(f.Status)))
	return f, nil
}

// stringField returns the first non-empty string among keys of a JSON object.
func stringField(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
