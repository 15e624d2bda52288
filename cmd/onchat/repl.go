package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/vovakirdan/onchat-sdk-go/onchat"
	"github.com/vovakirdan/onchat-sdk-go/store"
)

// chatClient is the part of *onchat.Session the REPL drives.
type chatClient interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, user, pass string) error
	Register(ctx context.Context, user, pass string) error
	Logout(ctx context.Context) error
	RequestUserList(ctx context.Context) error
	SendPeopleChat(ctx context.Context, to, text string) error
	SendRoomChat(ctx context.Context, room, text string) error
	CreateRoom(ctx context.Context, name string) error
	JoinRoom(ctx context.Context, name string) error
	FetchPeopleHistory(ctx context.Context, peer string, page int) error
	FetchRoomHistory(ctx context.Context, room string, page int) error
	CheckUserOnline(ctx context.Context, user string) error
	CheckUserExist(ctx context.Context, user string) error
	Rooms() []string
	Feed(kind onchat.ChatType, name string) []onchat.ChatMessage
	RecentContacts() ([]store.RecentContact, error)
	Compact() int
	Forget() error
}

var errQuit = errors.New("quit")

const helpText = `commands:
  /login <user> <pass>        /register <user> <pass>     /logout
  /dm <user> <text>           /room <room> <text>
  /create <room>              /join <room>                /rooms
  /users                      /online <user>              /exist <user>
  /history people|room <name> [page]
  /feed people|room <name>    /recent                     /compact
  /forget                     /help                       /quit`

type repl struct {
	client chatClient
	mu     sync.Mutex
	out    io.Writer
}

func newREPL(c chatClient, out io.Writer) *repl {
	return &repl{client: c, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// watch prints session notifications.
func (r *repl) watch(s *onchat.Session) {
	s.OnStateChanged(func(ev onchat.StateEvent) {
		if ev.Error != nil {
			r.printf("* connection %s (%v)", ev.NewState, ev.Error)
			return
		}
		r.printf("* connection %s", ev.NewState)
	})
	s.OnAuthChanged(func(ev onchat.AuthEvent) {
		r.printf("* %s %s", ev.User, ev.NewState)
	})
	s.OnMessage(func(m onchat.ChatMessage) { r.printMessage(m) })
	s.OnUsers(func(users []onchat.User) { r.printUsers(users) })
	s.OnRooms(func(rooms []string) { r.printf("* rooms: %s", strings.Join(rooms, ", ")) })
	s.OnHistory(func(h onchat.HistoryResult) {
		r.printf("* history %s page %d: %d messages", h.Conversation, h.Page, len(h.Messages))
		for _, m := range h.Messages {
			r.printMessage(m)
		}
	})
	s.OnCheck(func(c onchat.CheckResult) {
		r.printf("* %s %s: %t", c.Kind, c.User, c.Value)
	})
	s.OnError(func(err error) { r.printf("! %v", err) })
}

func (r *repl) printUsers(users []onchat.User) {
	r.printf("* %d users online", len(users))
	for _, u := range users {
		r.printf("  %s (%s)", u.Name, u.Type)
	}
}

func (r *repl) printMessage(m onchat.ChatMessage) {
	mark := ""
	if m.Pending {
		mark = " …"
	}
	r.printf("[%s] %s %s: %s%s", m.Conversation, m.Time.Format("15:04"), m.From, m.Text, mark)
}

// run reads commands until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				r.printf("! %v", err)
			}
		}
	}
}

// exec runs one input line.
func (r *repl) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return errors.New("use /dm <user> <text> or /room <room> <text>")
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	c := r.client

	switch name {
	case "quit", "exit":
		return errQuit
	case "help":
		r.printf("%s", helpText)
		return nil
	case "login", "register":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return fmt.Errorf("usage: /%s <user> <pass>", name)
		}
		if name == "login" {
			return c.Login(ctx, args[0], args[1])
		}
		return c.Register(ctx, args[0], args[1])
	case "logout":
		if err := c.Logout(ctx); err != nil {
			return err
		}
		// reopen so the next /login has a connection
		return c.Connect(ctx)
	case "dm", "room":
		target, text := splitWord(rest)
		if target == "" || text == "" {
			return fmt.Errorf("usage: /%s <name> <text>", name)
		}
		if name == "dm" {
			return c.SendPeopleChat(ctx, target, text)
		}
		return c.SendRoomChat(ctx, target, text)
	case "create", "join":
		if rest == "" {
			return fmt.Errorf("usage: /%s <room>", name)
		}
		if name == "create" {
			return c.CreateRoom(ctx, rest)
		}
		return c.JoinRoom(ctx, rest)
	case "users":
		// the reply is printed by the OnUsers watcher
		return c.RequestUserList(ctx)
	case "rooms":
		for _, room := range c.Rooms() {
			r.printf("  %s", room)
		}
		return nil
	case "online", "exist":
		if rest == "" {
			return fmt.Errorf("usage: /%s <user>", name)
		}
		if name == "online" {
			return c.CheckUserOnline(ctx, rest)
		}
		return c.CheckUserExist(ctx, rest)
	case "history":
		kind, target, page, err := parseHistoryArgs(rest)
		if err != nil {
			return err
		}
		if kind == onchat.ChatRoom {
			return c.FetchRoomHistory(ctx, target, page)
		}
		return c.FetchPeopleHistory(ctx, target, page)
	case "feed":
		kind, target, _, err := parseHistoryArgs(rest)
		if err != nil {
			return err
		}
		for _, m := range c.Feed(kind, target) {
			r.printMessage(m)
		}
		return nil
	case "recent":
		list, err := c.RecentContacts()
		if err != nil {
			return err
		}
		for _, rc := range list {
			r.printf("  %s:%s  %s", rc.Kind, rc.Name, rc.Preview)
		}
		return nil
	case "compact":
		r.printf("* dropped %d superseded events", c.Compact())
		return nil
	case "forget":
		return c.Forget()
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// splitWord returns the first word of s and the trimmed remainder.
func splitWord(s string) (string, string) {
	word, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	return word, strings.TrimSpace(rest)
}

func parseHistoryArgs(s string) (onchat.ChatType, string, int, error) {
	const usage = "usage: people|room <name> [page]"
	args := strings.Fields(s)
	if len(args) < 2 || len(args) > 3 {
		return "", "", 0, errors.New(usage)
	}
	var kind onchat.ChatType
	switch args[0] {
	case "people", "dm":
		kind = onchat.ChatPeople
	case "room":
		kind = onchat.ChatRoom
	default:
		return "", "", 0, errors.New(usage)
	}
	page := 1
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 1 {
			return "", "", 0, fmt.Errorf("bad page %q", args[2])
		}
		page = n
	}
	return kind, args[1], page, nil
}
