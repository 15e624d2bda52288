package onchat

import (
	"context"
	"encoding/json"
	"time"
)

// RequestUserList asks for the online-user list.
func (s *Session) RequestUserList(ctx context.Context) error {
	return s.send(ctx, EventUserList, nil)
}

// SendPeopleChat sends a direct message. The feed shows it immediately as
// a pending local echo.
func (s *Session) SendPeopleChat(ctx context.Context, to, text string) error {
	return s.send(ctx, EventSendChat, ChatPayload{Type: ChatPeople, To: to, Mes: text})
}

// SendRoomChat sends a message to a room.
func (s *Session) SendRoomChat(ctx context.Context, room, text string) error {
	return s.send(ctx, EventSendChat, ChatPayload{Type: ChatRoom, To: room, Mes: text})
}

// CreateRoom creates a room. The session joins it once creation succeeds.
func (s *Session) CreateRoom(ctx context.Context, name string) error {
	return s.send(ctx, EventCreateRoom, RoomPayload{Name: name})
}

// JoinRoom joins a room.
func (s *Session) JoinRoom(ctx context.Context, name string) error {
	return s.send(ctx, EventJoinRoom, RoomPayload{Name: name})
}

// FetchPeopleHistory requests one page of the conversation with peer.
func (s *Session) FetchPeopleHistory(ctx context.Context, peer string, page int) error {
	return s.send(ctx, EventPeopleHistory, HistoryPayload{Name: peer, Page: page})
}

// FetchRoomHistory requests one page of a room's conversation.
func (s *Session) FetchRoomHistory(ctx context.Context, room string, page int) error {
	return s.send(ctx, EventRoomHistory, HistoryPayload{Name: room, Page: page})
}

// CheckUserOnline asks whether user is online.
func (s *Session) CheckUserOnline(ctx context.Context, user string) error {
	return s.send(ctx, EventCheckUserOnline, UserPayload{User: user})
}

// CheckUserExist asks whether user exists.
func (s *Session) CheckUserExist(ctx context.Context, user string) error {
	return s.send(ctx, EventCheckUserExist, UserPayload{User: user})
}

func (s *Session) send(ctx context.Context, name EventName, payload any) error {
	var err error
	s.locked(func() { err = s.sendLocked(ctx, name, payload) })
	return err
}

func authExempt(name EventName) bool {
	switch name {
	case EventLogin, EventRegister, EventReLogin:
		return true
	}
	return false
}

// sendLocked writes one request and mirrors it into the log. Only auth
// commands may go out while unauthenticated, and an exclusive command is
// refused while one of its kind is pending.
func (s *Session) sendLocked(ctx context.Context, name EventName, payload any) error {
	if !authExempt(name) && s.auth.state != AuthAuthenticated {
		return &Error{Code: ErrorNotAuthenticated, Event: name, Message: "session is not authenticated"}
	}
	now := s.now()
	if exclusive(name) && s.pending.busy(name, now) {
		return &Error{Code: ErrorRequestInFlight, Event: name, Message: "request of the same kind is pending"}
	}
	if err := s.conn.Send(ctx, name, payload); err != nil {
		return err
	}

	var req *PendingRequest
	if correlated(name) {
		req = &PendingRequest{Name: name, Target: requestTarget(payload), Page: requestPageOf(payload), SentAt: now}
		s.pending.push(req)
	}
	s.mirrorLocked(name, payload, req, now)
	return nil
}

// mirrorLocked appends an outbound request to the log as a local event. A
// chat request becomes the optimistic echo of the message.
func (s *Session) mirrorLocked(name EventName, payload any, req *PendingRequest, now time.Time) {
	ev := &Event{
		ID:         s.newID(),
		Name:       name,
		ReceivedAt: now,
		Origin:     OriginLocal,
		Request:    req,
	}
	switch p := payload.(type) {
	case CredentialsPayload:
		p.Pass = ""
		payload = p
	case ReLoginPayload:
		p.Code = ""
		payload = p
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	if p, ok := payload.(ChatPayload); ok {
		p.From = s.views.self
		ev.Chat = &p
	}
	s.log.Append(ev)
	s.reconcileLocked(ev)
}

func requestTarget(payload any) string {
	switch p := payload.(type) {
	case RoomPayload:
		return p.Name
	case HistoryPayload:
		return p.Name
	case UserPayload:
		return p.User
	}
	return ""
}

func requestPageOf(payload any) int {
	if p, ok := payload.(HistoryPayload); ok {
		return p.Page
	}
	return 0
}
