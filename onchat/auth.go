package onchat

import "context"

// Login authenticates with a username and password.
func (s *Session) Login(ctx context.Context, user, pass string) error {
	var err error
	s.locked(func() {
		err = s.beginAuthLocked(ctx, EventLogin, user, CredentialsPayload{User: user, Pass: pass})
	})
	return err
}

// Register creates an account and authenticates as it.
func (s *Session) Register(ctx context.Context, user, pass string) error {
	var err error
	s.locked(func() {
		err = s.beginAuthLocked(ctx, EventRegister, user, CredentialsPayload{User: user, Pass: pass})
	})
	return err
}

// Logout ends the authenticated session: LOGOUT is sent, the stored
// credential and username pointer are cleared, the log is emptied and the
// connection is closed. Data stored under the user's namespace is kept.
func (s *Session) Logout(ctx context.Context) error {
	var err error
	s.locked(func() {
		if s.auth.state == AuthAuthenticated {
			if serr := s.sendLocked(ctx, EventLogout, nil); serr != nil {
				s.logger.Warn("logout request not sent", map[string]any{"error": serr.Error()})
			}
		}
		if cerr := s.bridge.ClearIdentity(); cerr != nil {
			err = WrapError(ErrorStorage, "clear identity", cerr)
		}
		s.setAuthLocked(AuthUnauthenticated, s.auth.user, nil)
		s.forgetSessionLocked()
	})
	if cerr := s.conn.Close(); cerr != nil {
		s.logger.Debug("close after logout", map[string]any{"error": cerr.Error()})
	}
	return err
}

func (s *Session) beginAuthLocked(ctx context.Context, name EventName, user string, payload any) error {
	if user == "" {
		return &Error{Code: ErrorAuthRejected, Event: name, Message: "empty username"}
	}
	if s.conn.State() != StateOpen {
		return ErrNotConnected
	}
	if s.auth.state == AuthAuthenticating {
		return ErrAuthInFlight
	}
	prev := s.auth.state
	s.auth.user = user
	s.auth.attempt = name
	s.setAuthLocked(AuthAuthenticating, user, nil)
	if err := s.sendLocked(ctx, name, payload); err != nil {
		s.setAuthLocked(prev, user, err)
		return err
	}
	s.logger.Info("authenticating", map[string]any{"event": string(name), "user": user})
	return nil
}

// reauthenticateLocked sends RE_LOGIN when a username and credential are
// stored. It reports whether the request went out.
func (s *Session) reauthenticateLocked(ctx context.Context) bool {
	id, err := s.bridge.LoadIdentity()
	if err != nil {
		s.storageErrorLocked("load identity", err)
		return false
	}
	if id.Username == "" || id.Credential == "" {
		return false
	}
	err = s.beginAuthLocked(ctx, EventReLogin, id.Username, ReLoginPayload{User: id.Username, Code: id.Credential})
	if err != nil {
		s.logger.Warn("re-authentication not sent", map[string]any{"user": id.Username, "error": err.Error()})
		return false
	}
	return true
}

// observeAuthLocked handles auth responses and "not logged in" rejections.
// It reports whether ev was consumed.
func (s *Session) observeAuthLocked(ev *Event) bool {
	switch ev.Name {
	case EventLogin, EventRegister, EventReLogin:
		s.completeAuthLocked(ev)
		return true
	case EventLogout:
		s.log.MarkProcessed(ev, FlagAuthProcessed)
		return true
	}
	if ev.failed() && isNotLoggedIn(ev.Message) {
		s.dropAuthLocked(ev)
		return true
	}
	return false
}

func (s *Session) completeAuthLocked(ev *Event) {
	if !s.log.MarkProcessed(ev, FlagAuthProcessed) {
		return
	}
	if s.auth.state != AuthAuthenticating || s.auth.attempt != ev.Name {
		s.logger.Debug("ignoring unsolicited auth response", map[string]any{"event": string(ev.Name)})
		return
	}
	user := s.auth.user
	s.auth.attempt = ""

	if ev.failed() {
		if ev.Name == EventReLogin {
			if err := s.bridge.ClearIdentity(); err != nil {
				s.storageErrorLocked("clear identity", err)
			}
			err := fromFrame(ErrorReauthRejected, Frame{Event: ev.Name, Mes: ev.Message})
			s.logger.Warn("re-authentication rejected", map[string]any{"user": user, "mes": ev.Message})
			s.setAuthLocked(AuthUnauthenticated, user, err)
			s.forgetSessionLocked()
			s.failLocked(err)
			return
		}
		err := fromFrame(ErrorAuthRejected, Frame{Event: ev.Name, Mes: ev.Message})
		s.logger.Warn("authentication rejected", map[string]any{"user": user, "mes": ev.Message})
		s.setAuthLocked(AuthUnauthenticated, user, err)
		s.failLocked(err)
		return
	}

	s.persistIdentityLocked(user, reLoginCode(ev.Payload))
	if s.views.self != user {
		if s.views.self != "" {
			s.log.Reset()
			s.log.Append(ev)
		}
		s.views.reset(user)
	}
	s.setAuthLocked(AuthAuthenticated, user, nil)
	s.logger.Info("authenticated", map[string]any{"event": string(ev.Name), "user": user})

	s.restoreCacheLocked(user)
	s.rejoinLocked(user)
	if err := s.sendLocked(context.Background(), EventUserList, nil); err != nil {
		s.logger.Warn("user list request not sent", map[string]any{"error": err.Error()})
	}
}

// persistIdentityLocked stores user and, when the server rotated it, the new
// credential. A credential issued to another user is never kept.
func (s *Session) persistIdentityLocked(user, code string) {
	if code == "" {
		id, err := s.bridge.LoadIdentity()
		if err != nil {
			s.storageErrorLocked("load identity", err)
			return
		}
		if id.Username != user && id.Credential != "" {
			if err := s.bridge.ClearIdentity(); err != nil {
				s.storageErrorLocked("clear identity", err)
			}
		}
	}
	if err := s.bridge.SaveIdentity(user, code); err != nil {
		s.storageErrorLocked("save identity", err)
	}
}

// rejoinLocked sends one JOIN_ROOM per remembered room.
func (s *Session) rejoinLocked(user string) {
	rooms, err := s.bridge.LoadRooms(user)
	if err != nil {
		s.storageErrorLocked("load rooms", err)
		return
	}
	for _, room := range rooms {
		if err := s.sendLocked(context.Background(), EventJoinRoom, RoomPayload{Name: room}); err != nil {
			s.logger.Warn("rejoin not sent", map[string]any{"room": room, "error": err.Error()})
		}
	}
}

// dropAuthLocked handles a server-side "not logged in" rejection. One silent
// re-authentication follows when a credential is stored; a rejected RE_LOGIN
// purges it, so this cannot loop.
func (s *Session) dropAuthLocked(ev *Event) {
	if !s.log.MarkProcessed(ev, FlagAuthProcessed) {
		return
	}
	if s.auth.state != AuthAuthenticated {
		return
	}
	err := fromFrame(ErrorNotAuthenticated, Frame{Event: ev.Name, Mes: ev.Message})
	s.logger.Warn("server dropped authentication", map[string]any{"event": string(ev.Name), "mes": ev.Message})
	s.setAuthLocked(AuthUnauthenticated, s.auth.user, err)
	s.failLocked(err)
	s.reauthenticateLocked(context.Background())
}

// forgetSessionLocked drops everything held in memory for the current user.
func (s *Session) forgetSessionLocked() {
	s.auth.user = ""
	s.log.Reset()
	s.views.reset("")
	s.pending.reset()
}

func (s *Session) setAuthLocked(state AuthState, user string, err error) {
	old := s.auth.state
	s.auth.state = state
	if state != AuthAuthenticating {
		s.auth.attempt = ""
	}
	if old == state && err == nil {
		return
	}
	ev := AuthEvent{OldState: old, NewState: state, User: user, Error: err}
	s.notify(func() { s.dispatcher.authChanged(ev) })
}
