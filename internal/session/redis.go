package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. It suits deployments where the
// bot runs as more than one replica and sessions must survive restarts.
// Idle expiry is delegated to Redis key TTLs, refreshed on every write.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "phyxie:session:").
	Prefix string
	// TTL is the idle expiry window (0 = never expire).
	TTL time.Duration
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "phyxie:session:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "phyxie:session:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get retrieves the session for a user.
func (r *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Create creates a fresh session with no conversation identifier.
func (r *RedisStore) Create(ctx context.Context, userID, username string) (*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		UserID:       userID,
		Username:     username,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	// SETNX preserves the create-once contract across replicas.
	ok, err := r.client.SetNX(ctx, r.key(userID), data, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}

	return sess, nil
}

// save writes the session back, refreshing its TTL.
func (r *RedisStore) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(sess.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// UpdateConversationID records the conversation identifier issued by the API.
func (r *RedisStore) UpdateConversationID(ctx context.Context, userID, conversationID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	sess, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}

	sess.ConversationID = conversationID
	sess.LastActiveAt = time.Now().UTC()
	return r.save(ctx, sess)
}

// Touch refreshes the session's last-activity timestamp.
func (r *RedisStore) Touch(ctx context.Context, userID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	sess, err := r.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	sess.LastActiveAt = time.Now().UTC()
	return r.save(ctx, sess)
}

// IncrementMessages bumps the session's message counter.
func (r *RedisStore) IncrementMessages(ctx context.Context, userID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	sess, err := r.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	sess.MessageCount++
	return r.save(ctx, sess)
}

// Delete removes the session. Idempotent.
func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ExpireIdle is a no-op for Redis; key TTLs handle idle expiry natively.
func (r *RedisStore) ExpireIdle(_ context.Context, _ time.Duration) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	return 0, nil
}

// Len returns the number of live sessions.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan sessions: %w", err)
	}
	return count, nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}
