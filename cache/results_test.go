package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

func failedFile(path, project string, failed bool, duration time.Duration) *types.File {
	file := types.NewFile(types.FileID(path, project), path, path, project)
	state := types.TaskStatePass
	if failed {
		state = types.TaskStateFail
	}
	file.Result = &types.TaskResult{State: state, Duration: duration}
	return file
}

func testStores(t *testing.T) map[string]Store {
	mem, err := NewMemoryStore()
	require.NoError(t, err)

	disk, err := NewLevelStore(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redisServer.Close)
	redisStore, err := NewRedisStore(context.Background(), fmt.Sprintf("redis://127.0.0.1:%s", redisServer.Port()), "test")
	require.NoError(t, err)

	return map[string]Store{
		"memory":  mem,
		"leveldb": disk,
		"redis":   redisStore,
	}
}

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "k", []byte("v")))
			got, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)

			require.NoError(t, store.Delete(ctx, "k"))
			_, err = store.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestResults_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	logger := log.NewLogger(log.DiscardHandler())
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			c := NewResults(store, logger)
			c.UpdateResults([]*types.File{
				failedFile("/repo/a_test.go", "unit", true, time.Second),
				failedFile("/repo/b_test.go", "unit", false, 2*time.Second),
			})
			require.NoError(t, c.WriteToCache(ctx))

			reloaded := NewResults(store, logger)
			reloaded.ReadFromCache(ctx)
			res, ok := reloaded.GetResults(ResultKey("unit", "/repo/a_test.go"))
			require.True(t, ok)
			assert.True(t, res.Failed)
			assert.Equal(t, time.Second, res.Duration)

			reloaded.RemoveFromCache("/repo/a_test.go")
			_, ok = reloaded.GetResults(ResultKey("unit", "/repo/a_test.go"))
			assert.False(t, ok)
		})
	}
}

func TestResults_CorruptCacheIsIgnored(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(ctx, resultsKey, []byte("{not json")))

	c := NewResults(store, log.NewLogger(log.DiscardHandler()))
	c.ReadFromCache(ctx)
	_, ok := c.GetResults(ResultKey("unit", "/repo/a_test.go"))
	assert.False(t, ok)
}

func TestResults_SkippedFilesAreNotCached(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	c := NewResults(store, log.NewLogger(log.DiscardHandler()))

	skipped := failedFile("/repo/a_test.go", "unit", false, 0)
	skipped.Result.State = types.TaskStateSkip
	c.UpdateResults([]*types.File{skipped})
	_, ok := c.GetResults(ResultKey("unit", "/repo/a_test.go"))
	assert.False(t, ok)
}

func TestResults_Stats(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()
	c := NewResults(store, log.NewLogger(log.DiscardHandler()))

	path := filepath.Join(t.TempDir(), "a_test.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))

	assert.True(t, c.ChangedSinceCache(path))
	c.PopulateStats([]string{path, "/does/not/exist"})
	assert.False(t, c.ChangedSinceCache(path))

	require.NoError(t, os.WriteFile(path, []byte("package a\n\n// edited\n"), 0o644))
	assert.True(t, c.ChangedSinceCache(path))

	c.RemoveStats(path)
	_, ok := c.GetStats(path)
	assert.False(t, ok)
}
