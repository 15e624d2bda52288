package store

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// Keys are namespace + 0x00 + key, so a namespace is the half-open range
// [namespace+0x00, namespace+0x01).
const nsSep = 0x00

// Pebble persists values in a PebbleDB key-value store.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database in dir.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return OpenPebbleWithOptions(filepath.Clean(dir), &pebble.Options{})
}

// OpenPebbleWithOptions allows a custom vfs, e.g. vfs.NewMem() in tests.
func OpenPebbleWithOptions(dir string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func pebbleKey(namespace, key string) []byte {
	k := make([]byte, 0, len(namespace)+1+len(key))
	k = append(k, namespace...)
	k = append(k, nsSep)
	return append(k, key...)
}

func (p *Pebble) Save(namespace, key string, value []byte) error {
	return p.db.Set(pebbleKey(namespace, key), value, pebble.Sync)
}

func (p *Pebble) Load(namespace, key string) ([]byte, error) {
	v, closer, err := p.db.Get(pebbleKey(namespace, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

func (p *Pebble) Delete(namespace, key string) error {
	return p.db.Delete(pebbleKey(namespace, key), pebble.Sync)
}

func (p *Pebble) Clear(namespace string) error {
	start := append([]byte(namespace), nsSep)
	end := append([]byte(namespace), nsSep+1)
	return p.db.DeleteRange(start, end, pebble.Sync)
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
