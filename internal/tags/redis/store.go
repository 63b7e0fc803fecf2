// Package redis provides a Redis-backed tag store. SETNX is the atomic
// claim, and TTL-based reclaim is native to the backend, so this is the
// preferred store for distributed worker fleets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Store wraps a Redis client.
type Store struct {
	client *redis.Client
}

// New builds a Store from a redis:// URL.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Exists reports whether the key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", crawl.ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// Get returns the value for a live key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", crawl.ErrStoreUnavailable, err)
	}
	return val, true, nil
}

// Put stores a value with the given TTL (zero keeps it forever).
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put: %v", crawl.ErrStoreUnavailable, err)
	}
	return nil
}

// PutIfAbsent claims the key via SETNX. Redis expires keys itself, so
// an expired slot is simply absent.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: put-if-absent: %v", crawl.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// DeletePrefix scans and deletes matching keys in batches. The scan
// runs to completion before returning.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 512).Iterator()
	batch := make([]string, 0, 512)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("%w: delete-prefix: %v", crawl.ErrStoreUnavailable, err)
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", crawl.ErrStoreUnavailable, err)
	}
	return flush()
}

// Close shuts down the client.
func (s *Store) Close() error {
	return s.client.Close()
}
