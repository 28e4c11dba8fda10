package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdentityPrefix is the Redis key prefix for persisted identity hashes. The
// profile name completes the key.
const IdentityPrefix = "polychat:identity:"

// redisIdentity is the persisted hash.
type redisIdentity struct {
	Token    string `redis:"token"`
	Username string `redis:"username"`
	UserID   string `redis:"user_id"`
}

// RedisStore persists the identity in a Redis hash, for clients that share
// state across machines.
type RedisStore struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	s := NewRedisStoreWithClient(client, profile)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. Close does not close it.
func NewRedisStoreWithClient(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, key: IdentityPrefix + profile}
}

// Load reads the identity hash. Returns nil if not found.
func (s *RedisStore) Load(ctx context.Context) (*Identity, error) {
	var rec redisIdentity
	if err := s.client.HGetAll(ctx, s.key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: redis load: %w", err)
	}
	return identityFromFields(rec.Token, rec.Username, rec.UserID)
}

// Save replaces the identity hash in one MULTI/EXEC transaction.
func (s *RedisStore) Save(ctx context.Context, id Identity) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key,
			FieldToken, id.Token,
			FieldUsername, id.DisplayName,
			FieldUserID, strconv.FormatInt(id.UserID, 10),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis save: %w", err)
	}
	return nil
}

// Clear deletes the identity hash.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("session: redis clear: %w", err)
	}
	return nil
}

// Close closes the Redis connection if the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
