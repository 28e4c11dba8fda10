package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStore persists the identity in a local Pebble database. Keys are
// "<profile>/<field>".
type PebbleStore struct {
	db      *pebble.DB
	profile string
	owned   bool
}

// OpenPebbleStore opens (or creates) the database in dir.
func OpenPebbleStore(dir, profile string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create state dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: open pebble: %w", err)
	}
	s := NewPebbleStore(db, profile)
	s.owned = true
	return s, nil
}

// NewPebbleStore uses an already open database. Close does not close it.
func NewPebbleStore(db *pebble.DB, profile string) *PebbleStore {
	return &PebbleStore{db: db, profile: profile}
}

func (s *PebbleStore) key(field string) []byte {
	return []byte(s.profile + "/" + field)
}

func (s *PebbleStore) get(field string) (string, error) {
	val, closer, err := s.db.Get(s.key(field))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: pebble get %s: %w", field, err)
	}
	out := string(val)
	_ = closer.Close()
	return out, nil
}

// Load reads the three identity fields.
func (s *PebbleStore) Load(context.Context) (*Identity, error) {
	token, err := s.get(FieldToken)
	if err != nil {
		return nil, err
	}
	username, err := s.get(FieldUsername)
	if err != nil {
		return nil, err
	}
	userID, err := s.get(FieldUserID)
	if err != nil {
		return nil, err
	}
	return identityFromFields(token, username, userID)
}

// batchWriter is the part of *pebble.Batch the identity writes use.
type batchWriter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
	Delete(key []byte, opts *pebble.WriteOptions) error
}

func (s *PebbleStore) writeIdentity(w batchWriter, id Identity) error {
	fields := [][2]string{
		{FieldToken, id.Token},
		{FieldUsername, id.DisplayName},
		{FieldUserID, fmt.Sprintf("%d", id.UserID)},
	}
	for _, f := range fields {
		if err := w.Set(s.key(f[0]), []byte(f[1]), nil); err != nil {
			return fmt.Errorf("session: pebble set %s: %w", f[0], err)
		}
	}
	return nil
}

func (s *PebbleStore) deleteIdentity(w batchWriter) error {
	for _, f := range []string{FieldToken, FieldUsername, FieldUserID} {
		if err := w.Delete(s.key(f), nil); err != nil {
			return fmt.Errorf("session: pebble delete %s: %w", f, err)
		}
	}
	return nil
}

// Save writes all fields in one synced batch.
func (s *PebbleStore) Save(_ context.Context, id Identity) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := s.writeIdentity(b, id); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("session: pebble save: %w", err)
	}
	return nil
}

// Clear deletes all fields in one synced batch.
func (s *PebbleStore) Clear(context.Context) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := s.deleteIdentity(b); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("session: pebble clear: %w", err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *PebbleStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
