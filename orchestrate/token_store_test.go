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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store misses", func(t *testing.T) {
		store := NewMemoryTokenStore()

		token, ok := store.Get(ctx)
		assert.False(t, ok)
		assert.Empty(t, token)
	})

	t.Run("put then get", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.Put(ctx, "tok-1", time.Hour)

		token, ok := store.Get(ctx)
		assert.True(t, ok)
		assert.Equal(t, "tok-1", token)
	})

	t.Run("expired token misses", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.Put(ctx, "tok-1", 10*time.Millisecond)

		time.Sleep(25 * time.Millisecond)

		_, ok := store.Get(ctx)
		assert.False(t, ok)
	})

	t.Run("non-positive ttl is not cached", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.Put(ctx, "tok-1", 0)
		store.Put(ctx, "tok-2", -time.Minute)

		_, ok := store.Get(ctx)
		assert.False(t, ok)
	})

	t.Run("put overwrites", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.Put(ctx, "old", time.Hour)
		store.Put(ctx, "new", time.Hour)

		token, _ := store.Get(ctx)
		assert.Equal(t, "new", token)
	})
}

func TestRedisTokenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisTokenStore("redis://" + mr.Addr())
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		store.Put(ctx, "shared-token", time.Hour)

		token, ok := store.Get(ctx)
		assert.True(t, ok)
		assert.Equal(t, "shared-token", token)
	})

	t.Run("token expires with ttl", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisTokenStore("redis://" + mr.Addr())
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		store.Put(ctx, "shared-token", time.Minute)
		mr.FastForward(2 * time.Minute)

		_, ok := store.Get(ctx)
		assert.False(t, ok)
	})

	t.Run("non-positive ttl is not cached", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisTokenStore("redis://" + mr.Addr())
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		store.Put(ctx, "shared-token", 0)

		_, ok := store.Get(ctx)
		assert.False(t, ok)
	})

	t.Run("unreachable redis fails construction", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisTokenStore("redis://" + addr)
		assert.Error(t, err)
	})

	t.Run("invalid URL fails construction", func(t *testing.T) {
		_, err := NewRedisTokenStore("not-a-redis-url")
		assert.Error(t, err)
	})

	t.Run("get fails open after server loss", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisTokenStore("redis://" + mr.Addr())
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		store.Put(ctx, "shared-token", time.Hour)
		mr.Close()

		_, ok := store.Get(ctx)
		assert.False(t, ok, "a Redis error must look like a cache miss")
	})
}
