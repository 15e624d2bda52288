package onchat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/onchat-sdk-go/store"
)

// connection is the part of Transport the session drives.
type connection interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, name EventName, payload any) error
	State() ConnectionState
	LastError() error
	Close() error
}

type authSlot struct {
	state   AuthState
	user    string
	attempt EventName // command whose response is awaited while authenticating
}

// Session is one client of the chat server: its connection, identity, event
// log and the views derived from it. All mutation is serialised by one mutex
// and callbacks fire after it is released.
type Session struct {
	cfg        Config
	logger     Logger
	conn       connection
	transport  *Transport
	bridge     *store.Bridge
	ownsStore  bool
	dispatcher Dispatcher
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	auth    authSlot
	log     *EventLog
	views   *views
	pending *pendingTable
	notes   []func()
}

// NewSession validates cfg and opens the store it names.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, WrapError(ErrorStorage, "open store", err)
	}
	s := newSession(cfg, store.NewBridge(backend, cfg.RecentContactLimit, cfg.HistoryCacheLimit))
	s.ownsStore = true
	return s, nil
}

// NewSessionWithStore is like NewSession but persists into backend, which
// the caller keeps ownership of.
func NewSessionWithStore(cfg Config, backend store.Backend) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		backend = store.NewMemory()
	}
	return newSession(cfg, store.NewBridge(backend, cfg.RecentContactLimit, cfg.HistoryCacheLimit)), nil
}

func newSession(cfg Config, bridge *store.Bridge) *Session {
	s := &Session{
		cfg:     cfg,
		logger:  noopLogger{},
		bridge:  bridge,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		log:     NewEventLog(),
		views:   newViews(),
		pending: newPendingTable(cfg.PendingTimeout),
	}
	s.transport = NewTransport(cfg, s, s.logger)
	s.conn = s.transport
	return s
}

// SetLogger overrides logger (optional).
func (s *Session) SetLogger(l Logger) {
	if l == nil {
		return
	}
	s.logger = l
	s.transport.SetLogger(l)
}

// OnStateChanged registers callback for connection state changes.
func (s *Session) OnStateChanged(fn func(StateEvent)) { s.dispatcher.SetOnStateChanged(fn) }

// OnAuthChanged registers callback for auth state changes.
func (s *Session) OnAuthChanged(fn func(AuthEvent)) { s.dispatcher.SetOnAuthChanged(fn) }

// OnMessage registers callback for new or confirmed feed entries.
func (s *Session) OnMessage(fn func(ChatMessage)) { s.dispatcher.SetOnMessage(fn) }

// OnUsers registers callback for user list updates.
func (s *Session) OnUsers(fn func([]User)) { s.dispatcher.SetOnUsers(fn) }

// OnRooms registers callback for joined-room list updates.
func (s *Session) OnRooms(fn func([]string)) { s.dispatcher.SetOnRooms(fn) }

// OnHistory registers callback for loaded history pages.
func (s *Session) OnHistory(fn func(HistoryResult)) { s.dispatcher.SetOnHistory(fn) }

// OnCheck registers callback for user check results.
func (s *Session) OnCheck(fn func(CheckResult)) { s.dispatcher.SetOnCheck(fn) }

// OnEvent registers callback for every server event appended to the log.
func (s *Session) OnEvent(fn func(Event)) { s.dispatcher.SetOnEvent(fn) }

// OnError registers callback for errors.
func (s *Session) OnError(fn func(error)) { s.dispatcher.SetOnError(fn) }

// Connect dials the server. A stored credential is used to re-authenticate
// as soon as the socket opens.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Close closes the connection without logging out, and the store if the
// session opened it.
func (s *Session) Close() error {
	err := s.conn.Close()
	if s.ownsStore {
		if cerr := s.bridge.Close(); cerr != nil && err == nil {
			err = WrapError(ErrorStorage, "close store", cerr)
		}
	}
	return err
}

// ConnectionState returns the transport state.
func (s *Session) ConnectionState() ConnectionState { return s.conn.State() }

// TransportError returns the last transport failure, or nil after a clean open.
func (s *Session) TransportError() error { return s.conn.LastError() }

// AuthState returns the auth state.
func (s *Session) AuthState() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.state
}

// Username returns the user the session is (or is becoming) authenticated as.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.user
}

// Users returns the latest online-user list.
func (s *Session) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]User(nil), s.views.users...)
}

// Rooms returns the joined rooms in join order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.views.rooms...)
}

// Feed returns the messages of one conversation: history first, then
// realtime messages in arrival order.
func (s *Session) Feed(kind ChatType, name string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views.messages(Conversation{Kind: kind, Name: name})
}

// LastCheck returns the most recent result of CHECK_USER_ONLINE or
// CHECK_USER_EXIST.
func (s *Session) LastCheck(name EventName) (CheckResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.views.checks[name]
	return res, ok
}

// LastHistory returns the last history page loaded for a conversation.
func (s *Session) LastHistory(kind ChatType, name string) (HistoryResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.views.history[Conversation{Kind: kind, Name: name}]
	return res, ok
}

// RecentContacts returns the persisted recent-contact list, most recent first.
func (s *Session) RecentContacts() ([]store.RecentContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.views.self == "" {
		return nil, nil
	}
	list, err := s.bridge.RecentContacts(s.views.self)
	if err != nil {
		return nil, WrapError(ErrorStorage, "load recent contacts", err)
	}
	return list, nil
}

// Events returns a copy of the event log.
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// Resync rebuilds every view by replaying the log. Side effects already
// performed for an event are not repeated.
func (s *Session) Resync() {
	s.locked(func() {
		s.views.reset(s.views.self)
		for _, ev := range s.log.Select(nil) {
			s.reconcileLocked(ev)
		}
		for conv, f := range s.views.feeds {
			if f.source != nil {
				s.views.history[conv] = HistoryResult{Conversation: conv, Page: requestPage(f.source), Messages: s.views.messages(conv)}
			}
		}
	})
}

// Compact drops superseded events from the log and returns how many went.
func (s *Session) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.log.Compact()
	if n > 0 {
		s.logger.Debug("event log compacted", map[string]any{"removed": n, "kept": s.log.Len()})
	}
	return n
}

// Forget deletes every value stored for the current user. The session
// stays connected and authenticated.
func (s *Session) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bridge.ClearNamespace(s.views.self); err != nil {
		return WrapError(ErrorStorage, "clear user data", err)
	}
	return nil
}

// locked runs fn under the session mutex, then fires the notifications it
// queued in order.
func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (s *Session) notify(fn func()) {
	s.notes = append(s.notes, fn)
}

func (s *Session) failLocked(err error) {
	s.notify(func() { s.dispatcher.fireError(err) })
}

func (s *Session) storageErrorLocked(op string, err error) {
	s.logger.Error("store failure", map[string]any{"op": op, "error": err.Error()})
	s.failLocked(WrapError(ErrorStorage, op, err))
}

// transportHandler

func (s *Session) handleOpen() {
	s.locked(func() {
		s.pending.reset()
		s.reauthenticateLocked(context.Background())
	})
}

func (s *Session) handleFrame(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		s.logger.Warn("dropping malformed frame", map[string]any{"error": err.Error(), "bytes": len(raw)})
		return
	}
	s.locked(func() { s.ingestLocked(f) })
}

func (s *Session) handleClose(err error) {
	s.locked(func() {
		s.pending.reset()
		if s.auth.state != AuthUnauthenticated {
			s.setAuthLocked(AuthUnauthenticated, s.auth.user, nil)
		}
		if err != nil {
			s.failLocked(err)
		}
	})
}

func (s *Session) handleStateChange(ev StateEvent) {
	s.logger.Debug("connection state changed", map[string]any{"from": ev.OldState.String(), "to": ev.NewState.String()})
	s.dispatcher.stateChanged(ev)
}

// ingestLocked appends one server frame to the log and reconciles it.
func (s *Session) ingestLocked(f Frame) {
	ev := &Event{
		ID:         s.newID(),
		Name:       f.Event,
		Status:     f.Status,
		Payload:    f.Data,
		Message:    f.Mes,
		ReceivedAt: s.now(),
		Origin:     OriginServer,
	}
	if correlated(f.Event) {
		ev.Request = s.pending.pop(f.Event)
	}
	if f.Event == EventSendChat && !ev.failed() {
		chat, err := parseChat(f.Data)
		if err != nil {
			s.logger.Warn("malformed chat payload", map[string]any{"error": err.Error()})
		} else {
			ev.Chat = chat
			ev.ServerTime = parseTime(chat.CreateAt)
		}
	}
	s.log.Append(ev)
	snapshot := *ev
	s.notify(func() { s.dispatcher.event(snapshot) })
	s.reconcileLocked(ev)
}

// reconcileLocked folds one logged event into the views. It is safe to call
// again for the same event: every side effect is guarded by a flag.
func (s *Session) reconcileLocked(ev *Event) {
	if ev.Origin != OriginServer {
		s.reconcileLocalLocked(ev)
		return
	}
	if s.observeAuthLocked(ev) {
		return
	}
	if ev.Name == EventCheckUserOnline || ev.Name == EventCheckUserExist {
		// Check views keep rejections too.
		s.applyCheckLocked(ev)
		return
	}
	if ev.failed() {
		s.rejectedLocked(ev)
		return
	}
	switch ev.Name {
	case EventUserList:
		s.applyUsersLocked(ev)
	case EventCreateRoom:
		s.applyCreateLocked(ev)
	case EventJoinRoom:
		s.applyJoinLocked(ev)
	case EventSendChat:
		if ev.Chat != nil {
			s.indexChatLocked(ev)
		}
	case EventPeopleHistory, EventRoomHistory:
		s.applyHistoryLocked(ev)
	default:
		s.log.MarkProcessed(ev, FlagProcessed)
	}
}

// reconcileLocalLocked indexes echoes and synthesised history. Other local
// mirrors only exist in the log.
func (s *Session) reconcileLocalLocked(ev *Event) {
	if ev.Chat == nil || ev.Has(FlagSuperseded) {
		return
	}
	switch ev.Origin {
	case OriginLocal:
		s.indexChatLocked(ev)
	case OriginHistory, OriginCache:
		f := s.views.feed(ev.conv)
		f.history = append(f.history, ev)
	}
}

func (s *Session) applyUsersLocked(ev *Event) {
	users, err := parseUsers(ev.Payload)
	if err != nil {
		if s.log.MarkProcessed(ev, FlagProcessed) {
			s.failLocked(WrapError(ErrorMalformedFrame, "decode user list", err))
		}
		return
	}
	s.views.users = users
	if s.log.MarkProcessed(ev, FlagProcessed) {
		out := append([]User(nil), users...)
		s.notify(func() { s.dispatcher.users(out) })
	}
}

// applyCreateLocked joins the room that was just created. The room list only
// changes when the join is confirmed.
func (s *Session) applyCreateLocked(ev *Event) {
	if !s.log.MarkProcessed(ev, FlagProcessed) {
		return
	}
	name := roomName(ev)
	if name == "" {
		s.logger.Warn("create room response without a name", nil)
		return
	}
	if err := s.sendLocked(context.Background(), EventJoinRoom, RoomPayload{Name: name}); err != nil {
		s.logger.Warn("auto join failed", map[string]any{"room": name, "error": err.Error()})
		s.failLocked(err)
	}
}

func (s *Session) applyJoinLocked(ev *Event) {
	name := roomName(ev)
	if name == "" {
		s.log.MarkProcessed(ev, FlagRoomProcessed)
		return
	}
	s.views.addRoom(name)
	if !s.log.MarkProcessed(ev, FlagRoomProcessed) {
		return
	}
	if s.views.self != "" {
		if err := s.bridge.SaveRooms(s.views.self, s.views.rooms); err != nil {
			s.storageErrorLocked("save rooms", err)
		}
	}
	rooms := append([]string(nil), s.views.rooms...)
	s.notify(func() { s.dispatcher.rooms(rooms) })
}

// indexChatLocked places a realtime or echoed chat event in its feed.
func (s *Session) indexChatLocked(ev *Event) {
	if ev.Has(FlagSuperseded) || ev.Has(FlagSuppressed) {
		return
	}
	if ev.conv.Name == "" {
		ev.conv = conversationFor(ev.Chat, s.views.self)
	}
	conv := ev.conv
	f := s.views.feed(conv)

	if ev.Origin == OriginServer && s.views.self != "" && ev.Chat.sender() == s.views.self {
		if echo := f.matchEcho(ev.Chat.Mes, ev.ReceivedAt, s.cfg.EchoWindow); echo != nil {
			s.log.MarkProcessed(echo, FlagConfirmed)
			s.log.MarkProcessed(ev, FlagSuppressed)
			msg := messageFromEvent(echo, conv)
			s.notify(func() { s.dispatcher.message(msg) })
			return
		}
	}

	f.live = append(f.live, ev)
	if !s.log.MarkProcessed(ev, FlagContactProcessed) {
		return
	}
	s.rememberChatLocked(conv, ev)
	msg := messageFromEvent(ev, conv)
	s.notify(func() { s.dispatcher.message(msg) })
}

// rememberChatLocked updates the recent-contact list and the message cache.
func (s *Session) rememberChatLocked(conv Conversation, ev *Event) {
	self := s.views.self
	if self == "" || conv.Name == "" {
		return
	}
	at := ev.ServerTime
	if at.IsZero() {
		at = ev.ReceivedAt
	}
	contact := store.RecentContact{Name: conv.Name, Kind: string(conv.Kind), Preview: ev.Chat.Mes, LastActivity: at}
	if _, err := s.bridge.TouchContact(self, contact); err != nil {
		s.storageErrorLocked("touch contact", err)
	}
	msg := store.CachedMessage{From: ev.Chat.sender(), To: ev.Chat.To, Text: ev.Chat.Mes, At: at}
	if err := s.bridge.AppendMessages(self, conv.String(), msg); err != nil {
		s.storageErrorLocked("cache message", err)
	}
}

// historyConversation names the feed a history response is for.
func (s *Session) historyConversation(ev *Event) Conversation {
	conv := Conversation{Kind: ChatPeople}
	if ev.Name == EventRoomHistory {
		conv.Kind = ChatRoom
	}
	if ev.Request != nil {
		conv.Name = ev.Request.Target
	}
	if conv.Name == "" && conv.Kind == ChatRoom {
		conv.Name = historyTarget(ev.Payload)
	}
	return conv
}

func (s *Session) applyHistoryLocked(ev *Event) {
	conv := s.historyConversation(ev)
	if !s.log.MarkProcessed(ev, FlagProcessed) {
		if !ev.Has(FlagSuperseded) && conv.Name != "" {
			s.views.feed(conv).source = ev
		}
		return
	}
	if conv.Name == "" {
		s.logger.Warn("history response without a matching request", map[string]any{"event": string(ev.Name)})
		return
	}
	batch, err := buildHistoryBatch(ev, conv, s.views.self, OriginHistory)
	if err != nil {
		s.failLocked(WrapError(ErrorMalformedFrame, "decode history", err))
		return
	}
	s.installBatchLocked(conv, ev, batch)

	if s.views.self != "" {
		cached := make([]store.CachedMessage, 0, len(batch))
		for _, h := range batch {
			cached = append(cached, store.CachedMessage{From: h.Chat.sender(), To: h.Chat.To, Text: h.Chat.Mes, At: h.ServerTime})
		}
		if err := s.bridge.ReplaceMessages(s.views.self, conv.String(), cached); err != nil {
			s.storageErrorLocked("cache history", err)
		}
	}

	res := HistoryResult{Conversation: conv, Page: requestPage(ev), Messages: s.views.messages(conv)}
	s.views.history[conv] = res
	s.notify(func() { s.dispatcher.history(res) })
}

// installBatchLocked makes batch the history of conv. The previous batch and
// any realtime events it now covers are superseded.
func (s *Session) installBatchLocked(conv Conversation, source *Event, batch []*Event) {
	f := s.views.feed(conv)
	if f.source != nil {
		s.log.MarkProcessed(f.source, FlagSuperseded)
	}
	for _, old := range f.history {
		s.log.MarkProcessed(old, FlagSuperseded)
	}
	f.source = source
	f.history = make([]*Event, 0, len(batch))
	for _, h := range batch {
		h.flags |= FlagProcessed
		s.log.Append(h)
		f.history = append(f.history, h)
	}

	live := f.live[:0]
	for _, l := range f.live {
		covered := false
		for _, h := range batch {
			if sameMessage(l, h) {
				covered = true
				break
			}
		}
		if covered {
			s.log.MarkProcessed(l, FlagSuperseded)
			continue
		}
		live = append(live, l)
	}
	f.live = live
}

// restoreCacheLocked seeds empty feeds of recent contacts from the message
// cache. A later history page replaces the seeded batch.
func (s *Session) restoreCacheLocked(user string) {
	contacts, err := s.bridge.RecentContacts(user)
	if err != nil {
		s.storageErrorLocked("load recent contacts", err)
		return
	}
	for _, c := range contacts {
		conv := Conversation{Kind: ChatType(c.Kind), Name: c.Name}
		f := s.views.feed(conv)
		if len(f.history) > 0 || len(f.live) > 0 {
			continue
		}
		msgs, err := s.bridge.Messages(user, conv.String())
		if err != nil {
			s.storageErrorLocked("load cached messages", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		batch := make([]*Event, 0, len(msgs))
		for _, m := range msgs {
			batch = append(batch, &Event{
				Name:       EventSendChat,
				Status:     StatusSuccess,
				Origin:     OriginCache,
				Chat:       &ChatPayload{Type: conv.Kind, From: m.From, To: m.To, Mes: m.Text},
				ServerTime: m.At,
				ReceivedAt: s.now(),
				conv:       conv,
			})
		}
		s.installBatchLocked(conv, nil, batch)
	}
}

func (s *Session) applyCheckLocked(ev *Event) {
	res := parseCheck(ev)
	s.views.checks[ev.Name] = res
	if !s.log.MarkProcessed(ev, FlagProcessed) {
		return
	}
	s.notify(func() { s.dispatcher.check(res) })
	if ev.failed() {
		s.warnRejectedLocked(ev)
	}
}

// rejectedLocked reports a server error reply once.
func (s *Session) rejectedLocked(ev *Event) {
	if s.log.MarkProcessed(ev, FlagProcessed) {
		s.warnRejectedLocked(ev)
	}
}

func (s *Session) warnRejectedLocked(ev *Event) {
	s.logger.Warn("server rejected request", map[string]any{"event": string(ev.Name), "mes": ev.Message})
	s.failLocked(fromFrame(ErrorProtocol, Frame{Event: ev.Name, Mes: ev.Message}))
}

func requestPage(ev *Event) int {
	if ev.Request == nil {
		return 0
	}
	return ev.Request.Page
}
