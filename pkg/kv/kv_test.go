package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  NewRedisStore(client, "jc:"),
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "a", []byte("1")))
			require.NoError(t, s.Set(ctx, "a", []byte("2")))
			v, ok, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("2"), v)

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "a"))
			_, ok, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"transcript:2", "transcript:1", "settings", "transcripts-old", "x_transcript:3"} {
				require.NoError(t, s.Set(ctx, k, []byte("v")))
			}

			keys, err := s.Keys(ctx, "transcript:")
			require.NoError(t, err)
			assert.Equal(t, []string{"transcript:1", "transcript:2"}, keys)

			// 前缀中的通配符按字面量匹配
			require.NoError(t, s.Set(ctx, "a*b:1", []byte("v")))
			require.NoError(t, s.Set(ctx, "axb:1", []byte("v")))
			keys, err = s.Keys(ctx, "a*b:")
			require.NoError(t, err)
			assert.Equal(t, []string{"a*b:1"}, keys)

			keys, err = s.Keys(ctx, "nothing:")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "transcript:1", []byte(`{"id":"1"}`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "transcript:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"1"}`, string(v))
}

func TestRedisStoreNamespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "jc:")
	require.NoError(t, s.Set(ctx, "transcript:1", []byte("v")))
	assert.True(t, mr.Exists("jc:transcript:1"))

	require.NoError(t, client.Set(ctx, "other:transcript:2", "v", 0).Err())
	keys, err := s.Keys(ctx, "transcript:")
	require.NoError(t, err)
	assert.Equal(t, []string{"transcript:1"}, keys)
}
