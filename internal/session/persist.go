package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/polychat/chat-client/internal/config"
)

// Field names under which the identity is persisted.
const (
	FieldToken    = "token"
	FieldUsername = "username"
	FieldUserID   = "user_id"
)

// Persister is durable storage for one identity. Save and Clear are atomic:
// a reader never observes a partially written or partially cleared identity.
type Persister interface {
	// Load returns the stored identity, or nil if none is stored.
	Load(ctx context.Context) (*Identity, error)
	Save(ctx context.Context, id Identity) error
	Clear(ctx context.Context) error
	Close() error
}

// OpenPersister opens the backend selected by cfg. Profiles namespace the
// stored identity so several accounts can share one backend.
func OpenPersister(cfg config.StorageConfig, profile string) (Persister, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		return OpenPebbleStore(cfg.Path, profile)
	case config.BackendRedis:
		return NewRedisStore(cfg.RedisAddr, profile)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("session: unknown storage backend %q", cfg.Backend)
	}
}

// identityFromFields rebuilds an identity from its persisted fields. A
// missing token means nothing is stored.
func identityFromFields(token, username, userID string) (*Identity, error) {
	if token == "" {
		return nil, nil
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: corrupt persisted user_id %q: %w", userID, err)
	}
	return &Identity{UserID: uid, DisplayName: username, Token: token}, nil
}

// MemoryStore keeps the identity in process memory only.
type MemoryStore struct {
	mu sync.Mutex
	id *Identity
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == nil {
		return nil, nil
	}
	out := *m.id
	return &out, nil
}

func (m *MemoryStore) Save(_ context.Context, id Identity) error {
	m.mu.Lock()
	m.id = &id
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.id = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
