package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]KV {
	t.Helper()
	return map[string]KV{
		"memory": NewMemory(),
		"file":   NewFile(filepath.Join(t.TempDir(), "kv")),
	}
}

func TestKV_GetMissing(t *testing.T) {
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(context.Background(), "nope")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKV_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Set(ctx, "@driver/pending_trip_offers", []byte("[1]")))
			got, err := kv.Get(ctx, "@driver/pending_trip_offers")
			require.NoError(t, err)
			assert.Equal(t, []byte("[1]"), got)

			require.NoError(t, kv.Set(ctx, "@driver/pending_trip_offers", []byte("[2]")))
			got, err = kv.Get(ctx, "@driver/pending_trip_offers")
			require.NoError(t, err)
			assert.Equal(t, []byte("[2]"), got)

			require.NoError(t, kv.Delete(ctx, "@driver/pending_trip_offers", "never-written"))
			_, err = kv.Get(ctx, "@driver/pending_trip_offers")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKV_SetMany(t *testing.T) {
	ctx := context.Background()
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.SetMany(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
			a, err := kv.Get(ctx, "a")
			require.NoError(t, err)
			b, err := kv.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "1", string(a))
			assert.Equal(t, "2", string(b))
		})
	}
}

func TestKV_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, kv.Set(ctx, "a", []byte("1")), context.Canceled)
			_, err := kv.Get(ctx, "a")
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestFileKV_LeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")
	kv := NewFile(dir)
	require.NoError(t, kv.SetMany(context.Background(), map[string][]byte{"x": []byte("1"), "y": []byte("2")}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestMemoryKV_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	v := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", v))
	v[0] = 'z'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
