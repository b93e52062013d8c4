// Package redisseen provides a Redis-backed exact seen set so several
// frontier processes can share admitted-URL history.
package redisseen

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Config captures the Redis connection and key settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// SetKey is the Redis set holding canonical URL hashes.
	SetKey string
}

// Store implements the exact seen set on a Redis SET of decimal hashes.
type Store struct {
	client *redis.Client
	key    string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	key := cfg.SetKey
	if key == "" {
		key = "oddfrontier:seen"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, key: key}, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *redis.Client, setKey string) *Store {
	if setKey == "" {
		setKey = "oddfrontier:seen"
	}
	return &Store{client: client, key: setKey}
}

// Contains reports exact membership.
func (s *Store) Contains(ctx context.Context, hash uint64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, member(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", s.key, err)
	}
	return ok, nil
}

// Add inserts the hash.
func (s *Store) Add(ctx context.Context, hash uint64) error {
	if err := s.client.SAdd(ctx, s.key, member(hash)).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", s.key, err)
	}
	return nil
}

// All returns every stored hash, used when rebuilding the Bloom filter.
func (s *Store) All(ctx context.Context) ([]uint64, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", s.key, err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		h, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt seen member %q: %w", m, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func member(hash uint64) string {
	return strconv.FormatUint(hash, 10)
}
