package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	peb, err := OpenPebbleWithOptions("db", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "onchat.db"))
	require.NoError(t, err)
	out := map[string]Backend{
		"memory": NewMemory(),
		"pebble": peb,
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestBackend_SaveLoadClear(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load("alice", "rooms")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Save("alice", "rooms", []byte(`["a"]`)))
			require.NoError(t, b.Save("alice", "rooms", []byte(`["a","b"]`)))
			require.NoError(t, b.Save("bob", "rooms", []byte(`["c"]`)))
			require.NoError(t, b.Save(Global, "username", []byte("alice")))

			v, err := b.Load("alice", "rooms")
			require.NoError(t, err)
			require.Equal(t, `["a","b"]`, string(v))

			require.NoError(t, b.Clear("alice"))
			_, err = b.Load("alice", "rooms")
			require.ErrorIs(t, err, ErrNotFound)

			// other namespaces untouched
			v, err = b.Load("bob", "rooms")
			require.NoError(t, err)
			require.Equal(t, `["c"]`, string(v))
			v, err = b.Load(Global, "username")
			require.NoError(t, err)
			require.Equal(t, "alice", string(v))

			require.NoError(t, b.Delete(Global, "username"))
			_, err = b.Load(Global, "username")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBridge_IdentityLifecycle(t *testing.T) {
	b := NewBridge(NewMemory(), 0, 0)

	id, err := b.LoadIdentity()
	require.NoError(t, err)
	require.Empty(t, id.Username)

	require.NoError(t, b.SaveIdentity("alice", "code-1"))
	require.NoError(t, b.SaveIdentity("alice", "")) // no rotation keeps the old code
	id, err = b.LoadIdentity()
	require.NoError(t, err)
	require.Equal(t, Identity{Username: "alice", Credential: "code-1"}, id)

	require.NoError(t, b.SaveRooms("alice", []string{"r1", "r2"}))
	require.NoError(t, b.ClearIdentity())

	id, err = b.LoadIdentity()
	require.NoError(t, err)
	require.Equal(t, Identity{}, id)

	rooms, err := b.LoadRooms("alice")
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, rooms, "logout keeps namespaced data")
}

func TestBridge_RecentContactsLRU(t *testing.T) {
	b := NewBridge(NewMemory(), 3, 0)
	now := time.Now()

	for i, name := range []string{"a", "b", "c"} {
		_, err := b.TouchContact("me", RecentContact{Name: name, Kind: "people", LastActivity: now.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	list, err := b.TouchContact("me", RecentContact{Name: "a", Kind: "people", Preview: "again"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "b"}, contactNames(list))
	require.Equal(t, "again", list[0].Preview)

	list, err = b.TouchContact("me", RecentContact{Name: "d", Kind: "room"})
	require.NoError(t, err)
	require.Equal(t, []string{"d", "a", "c"}, contactNames(list), "least recent evicted at the cap")

	stored, err := b.RecentContacts("me")
	require.NoError(t, err)
	require.Equal(t, list, stored)
}

func TestBridge_SameNameDifferentKind(t *testing.T) {
	b := NewBridge(NewMemory(), 0, 0)
	_, err := b.TouchContact("me", RecentContact{Name: "x", Kind: "people"})
	require.NoError(t, err)
	list, err := b.TouchContact("me", RecentContact{Name: "x", Kind: "room"})
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestBridge_MessageCacheCapped(t *testing.T) {
	b := NewBridge(NewMemory(), 0, 100)
	for i := 0; i < 130; i++ {
		require.NoError(t, b.AppendMessages("me", "people:bob", CachedMessage{From: "bob", To: "me", Text: fmt.Sprint(i)}))
	}
	msgs, err := b.Messages("me", "people:bob")
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	require.Equal(t, "30", msgs[0].Text)
	require.Equal(t, "129", msgs[99].Text)

	other, err := b.Messages("someone-else", "people:bob")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestBridge_EmptyNamespaceRejected(t *testing.T) {
	b := NewBridge(NewMemory(), 0, 0)
	require.Error(t, b.SaveRooms("", []string{"r"}))
	rooms, err := b.LoadRooms("")
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func contactNames(list []RecentContact) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Name
	}
	return out
}
