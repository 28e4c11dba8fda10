package session

import (
	"context"
	"errors"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/redis/go-redis/v9"

	"github.com/polychat/chat-client/internal/config"
)

// exercisePersister runs the same save/load/clear sequence against any
// backend.
func exercisePersister(t *testing.T, p Persister) {
	t.Helper()
	ctx := context.Background()

	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no identity, got %+v", got)
	}

	want := Identity{UserID: 42, DisplayName: "alice", Token: "tok-1"}
	if err := p.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err = p.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	// Overwrite replaces every field.
	next := Identity{UserID: 7, DisplayName: "bob", Token: "tok-2"}
	if err := p.Save(ctx, next); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, _ = p.Load(ctx)
	if got == nil || *got != next {
		t.Fatalf("expected %+v after overwrite, got %+v", next, got)
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	got, err = p.Load(ctx)
	if err != nil {
		t.Fatalf("Load() after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no identity after clear, got %+v", got)
	}

	// Clearing an empty store is fine.
	if err := p.Clear(ctx); err != nil {
		t.Fatalf("second Clear() error: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercisePersister(t, NewMemoryStore())
}

func newMemPebble(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("pebble.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPebbleStore(t *testing.T) {
	exercisePersister(t, NewPebbleStore(newMemPebble(t), "default"))
}

func TestPebbleStore_ProfilesAreIsolated(t *testing.T) {
	db := newMemPebble(t)
	ctx := context.Background()
	work := NewPebbleStore(db, "work")
	home := NewPebbleStore(db, "home")

	if err := work.Save(ctx, Identity{UserID: 1, DisplayName: "w", Token: "t1"}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := home.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got != nil {
		t.Fatalf("profile home sees profile work's identity: %+v", got)
	}
	if err := home.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if got, _ := work.Load(ctx); got == nil {
		t.Fatal("clearing one profile removed another")
	}
}

func TestPebbleStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebbleStore(dir, "default")
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	if err := s.Save(ctx, Identity{UserID: 3, DisplayName: "c", Token: "t"}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := OpenPebbleStore(dir, "default")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil || got.UserID != 3 || got.Token != "t" {
		t.Fatalf("identity did not survive reopen: %+v", got)
	}
}

func TestPebbleStore_CorruptUserID(t *testing.T) {
	db := newMemPebble(t)
	if err := db.Set([]byte("default/token"), []byte("t"), pebble.Sync); err != nil {
		t.Fatal(err)
	}
	if err := db.Set([]byte("default/user_id"), []byte("abc"), pebble.Sync); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPebbleStore(db, "default").Load(context.Background()); err == nil {
		t.Fatal("expected error for corrupt user_id")
	}
}

// failingWriter accepts `ok` writes and then fails.
type failingWriter struct {
	ok   int
	keys []string
}

var errBatchFull = errors.New("batch full")

func (w *failingWriter) Set(key, _ []byte, _ *pebble.WriteOptions) error {
	return w.write(key)
}

func (w *failingWriter) Delete(key []byte, _ *pebble.WriteOptions) error {
	return w.write(key)
}

func (w *failingWriter) write(key []byte) error {
	if len(w.keys) == w.ok {
		return errBatchFull
	}
	w.keys = append(w.keys, string(key))
	return nil
}

func TestPebbleStore_BatchErrorsReturned(t *testing.T) {
	s := &PebbleStore{profile: "default"}

	w := &failingWriter{ok: 1}
	err := s.writeIdentity(w, Identity{UserID: 1, DisplayName: "a", Token: "t"})
	if !errors.Is(err, errBatchFull) {
		t.Fatalf("writeIdentity() error = %v, want %v", err, errBatchFull)
	}
	if len(w.keys) != 1 || w.keys[0] != "default/token" {
		t.Fatalf("writes before failure = %v", w.keys)
	}

	w = &failingWriter{ok: 2}
	if err := s.deleteIdentity(w); !errors.Is(err, errBatchFull) {
		t.Fatalf("deleteIdentity() error = %v, want %v", err, errBatchFull)
	}
	if len(w.keys) != 2 {
		t.Fatalf("deletes before failure = %v", w.keys)
	}
}

// newTestRedisStore requires a running Redis on localhost:6379.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	s := NewRedisStoreWithClient(client, "test_profile")
	client.Del(ctx, s.key)
	t.Cleanup(func() {
		client.Del(ctx, s.key)
		client.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	exercisePersister(t, newTestRedisStore(t))
}

func TestOpenPersister(t *testing.T) {
	p, err := OpenPersister(config.StorageConfig{Backend: config.BackendMemory}, "default")
	if err != nil {
		t.Fatalf("OpenPersister(memory): %v", err)
	}
	if _, ok := p.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", p)
	}

	p, err = OpenPersister(config.StorageConfig{Backend: config.BackendPebble, Path: t.TempDir()}, "default")
	if err != nil {
		t.Fatalf("OpenPersister(pebble): %v", err)
	}
	defer p.Close()
	if _, ok := p.(*PebbleStore); !ok {
		t.Fatalf("expected *PebbleStore, got %T", p)
	}

	if _, err := OpenPersister(config.StorageConfig{Backend: "etcd"}, "default"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
