// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenStore caches a bearer token until shortly before it expires.
// A miss or a store failure is never fatal; the client simply fetches a
// fresh token.
type TokenStore interface {
	Get(ctx context.Context) (string, bool)
	Put(ctx context.Context, token string, ttl time.Duration)
}

// MemoryTokenStore keeps the token in process memory. This is the default
// and is sufficient for a single-replica relay.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
}

// NewMemoryTokenStore creates an empty in-process token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// Get returns the cached token if it has not expired
func (s *MemoryTokenStore) Get(_ context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" || time.Now().After(s.expiry) {
		return "", false
	}
	return s.token, true
}

// Put caches a token for ttl
func (s *MemoryTokenStore) Put(_ context.Context, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiry = time.Now().Add(ttl)
}

// redisTokenKey namespaces the cached token so replicas sharing a Redis
// instance also share one IAM token.
const redisTokenKey = "tripflow:orchestrate:access_token"

// RedisTokenStore shares the cached token across relay replicas.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore connects to Redis and verifies the connection.
// URL format: redis://host:port or redis://host:port/db
func NewRedisTokenStore(redisURL string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTokenStore{client: client}, nil
}

// Get returns the shared token if present. Redis errors fail open as a
// cache miss.
func (s *RedisTokenStore) Get(ctx context.Context) (string, bool) {
	token, err := s.client.Get(ctx, redisTokenKey).Result()
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

// Put stores the token with the given ttl. Redis handles expiry, so no
// local bookkeeping is needed.
func (s *RedisTokenStore) Put(ctx context.Context, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	if err := s.client.Set(ctx, redisTokenKey, token, ttl).Err(); err != nil {
		log.Printf("Warning: failed to cache token in Redis: %v (continuing without cache)", err)
	}
}

// Close releases the Redis connection
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}
