// Package ledger remembers which items a bot has already acted on, so a
// restarted stream or a duplicate delivery never produces a second reply.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/database"
	"github.com/redis/go-redis/v9"
)

// Ledger records handled items.
type Ledger interface {
	// MarkHandled claims key. It returns false if key was already claimed.
	MarkHandled(ctx context.Context, key, kind string) (bool, error)
	// Forget releases a claim so the item can be retried later.
	Forget(ctx context.Context, key string) error
}

// Ensure the Postgres ledger satisfies the interface
var _ Ledger = (*database.DB)(nil)

// Redis is a Ledger backed by SETNX keys that expire after a TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Ledger = (*Redis)(nil)

// RedisOptions configures NewRedis
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if opts.Prefix == "" {
		opts.Prefix = "skybot:handled:"
	}
	return &Redis{client: rdb, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

// MarkHandled claims key with SETNX; a zero TTL keeps it forever.
func (r *Redis) MarkHandled(ctx context.Context, key, kind string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, kind, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis mark handled failed: %w", err)
	}
	return ok, nil
}

// Forget deletes the claim on key
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis forget failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is an in-process Ledger. Claims older than TTL are reclaimable.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an in-process ledger; zero ttl never expires claims.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// MarkHandled claims key
func (m *Memory) MarkHandled(_ context.Context, key, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if at, ok := m.seen[key]; ok && (m.ttl == 0 || now.Sub(at) < m.ttl) {
		return false, nil
	}
	m.seen[key] = now
	return true, nil
}

// Forget releases key
func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// PruneHandled drops claims made before cutoff and returns how many were removed.
func (m *Memory) PruneHandled(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of claims held
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Nop accepts every claim. Used when no ledger is configured.
type Nop struct{}

// MarkHandled always succeeds
func (Nop) MarkHandled(context.Context, string, string) (bool, error) { return true, nil }

// Forget does nothing
func (Nop) Forget(context.Context, string) error { return nil }
