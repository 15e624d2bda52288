package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	keyUsername   = "username"
	keyCredential = "credential"
	keyRooms      = "rooms"
	keyContacts   = "contacts"
	historyPrefix = "history/"

	DefaultContactLimit = 50
	DefaultHistoryLimit = 100
)

// Identity is the persisted pointer to the last authenticated user.
type Identity struct {
	Username   string
	Credential string
}

// RecentContact is one entry of the recent-contact list.
type RecentContact struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Preview      string    `json:"preview"`
	LastActivity time.Time `json:"last_activity"`
}

func (c RecentContact) key() string { return c.Kind + ":" + c.Name }

// CachedMessage is one chat line kept in the per-conversation cache.
type CachedMessage struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Bridge exposes the typed keys the session persists on top of a Backend.
// It is not safe for concurrent use; the session serialises access.
type Bridge struct {
	backend      Backend
	contactLimit int
	historyLimit int
}

// NewBridge wraps backend. Non-positive limits fall back to the defaults.
func NewBridge(backend Backend, contactLimit, historyLimit int) *Bridge {
	if contactLimit <= 0 {
		contactLimit = DefaultContactLimit
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Bridge{backend: backend, contactLimit: contactLimit, historyLimit: historyLimit}
}

// Close closes the backend.
func (b *Bridge) Close() error { return b.backend.Close() }

// SaveIdentity stores the username pointer and, when non-empty, the credential.
func (b *Bridge) SaveIdentity(username, credential string) error {
	if err := b.backend.Save(Global, keyUsername, []byte(username)); err != nil {
		return fmt.Errorf("save username: %w", err)
	}
	if credential == "" {
		return nil
	}
	if err := b.backend.Save(Global, keyCredential, []byte(credential)); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadIdentity returns the stored identity. Missing keys yield empty fields.
func (b *Bridge) LoadIdentity() (Identity, error) {
	var id Identity
	user, err := b.loadString(Global, keyUsername)
	if err != nil {
		return id, err
	}
	cred, err := b.loadString(Global, keyCredential)
	if err != nil {
		return id, err
	}
	id.Username, id.Credential = user, cred
	return id, nil
}

// ClearIdentity drops the credential and the username pointer. Namespaced
// data is kept so a later login by the same user recovers it.
func (b *Bridge) ClearIdentity() error {
	return errors.Join(
		b.backend.Delete(Global, keyCredential),
		b.backend.Delete(Global, keyUsername),
	)
}

// ClearNamespace drops everything stored for user.
func (b *Bridge) ClearNamespace(user string) error {
	if user == "" {
		return nil
	}
	return b.backend.Clear(user)
}

// SaveRooms stores the joined-room set of user.
func (b *Bridge) SaveRooms(user string, rooms []string) error {
	return b.saveJSON(user, keyRooms, rooms)
}

// LoadRooms returns the joined rooms of user in join order.
func (b *Bridge) LoadRooms(user string) ([]string, error) {
	var rooms []string
	err := b.loadJSON(user, keyRooms, &rooms)
	return rooms, err
}

// TouchContact moves c to the front of user's recent-contact list, evicting
// the least recently active entry beyond the limit. It returns the new list,
// most recent first.
func (b *Bridge) TouchContact(user string, c RecentContact) ([]RecentContact, error) {
	current, err := b.RecentContacts(user)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, RecentContact](b.contactLimit)
	if err != nil {
		return nil, err
	}
	// Replay oldest first so the LRU recency matches the stored order.
	for i := len(current) - 1; i >= 0; i-- {
		cache.Add(current[i].key(), current[i])
	}
	cache.Add(c.key(), c)

	keys := cache.Keys() // oldest to newest
	out := make([]RecentContact, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := cache.Peek(keys[i]); ok {
			out = append(out, v)
		}
	}
	if err := b.saveJSON(user, keyContacts, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentContacts returns user's recent-contact list, most recent first.
func (b *Bridge) RecentContacts(user string) ([]RecentContact, error) {
	var out []RecentContact
	err := b.loadJSON(user, keyContacts, &out)
	return out, err
}

// AppendMessages adds msgs to the cache of conversation, keeping only the
// newest historyLimit entries.
func (b *Bridge) AppendMessages(user, conversation string, msgs ...CachedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	current, err := b.Messages(user, conversation)
	if err != nil {
		return err
	}
	current = append(current, msgs...)
	return b.saveMessages(user, conversation, current)
}

// ReplaceMessages overwrites the cache of conversation.
func (b *Bridge) ReplaceMessages(user, conversation string, msgs []CachedMessage) error {
	return b.saveMessages(user, conversation, msgs)
}

// Messages returns the cached messages of conversation, oldest first.
func (b *Bridge) Messages(user, conversation string) ([]CachedMessage, error) {
	var out []CachedMessage
	err := b.loadJSON(user, historyPrefix+conversation, &out)
	return out, err
}

func (b *Bridge) saveMessages(user, conversation string, msgs []CachedMessage) error {
	if len(msgs) > b.historyLimit {
		msgs = msgs[len(msgs)-b.historyLimit:]
	}
	return b.saveJSON(user, historyPrefix+conversation, msgs)
}

func (b *Bridge) saveJSON(namespace, key string, v any) error {
	if namespace == "" {
		return fmt.Errorf("save %s: empty namespace", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.backend.Save(namespace, key, data)
}

func (b *Bridge) loadJSON(namespace, key string, v any) error {
	if namespace == "" {
		return nil
	}
	data, err := b.backend.Load(namespace, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (b *Bridge) loadString(namespace, key string) (string, error) {
	data, err := b.backend.Load(namespace, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
