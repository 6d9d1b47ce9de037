package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(Config{Log: log.NewLogger(log.DiscardHandler()), Root: root})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

// waitFor drains events until one matches op and path
func waitFor(t *testing.T, w *Watcher, op Op, path string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "event stream closed")
			if ev.Op == op && ev.Path == path {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event for %s", op, path)
		}
	}
}

func TestWatcher_FileLifecycle(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	file := filepath.Join(root, "a_test.go")
	require.NoError(t, os.WriteFile(file, []byte("package a\n"), 0o644))
	waitFor(t, w, OpAdd, file)

	require.NoError(t, os.WriteFile(file, []byte("package a\n\n"), 0o644))
	waitFor(t, w, OpChange, file)

	require.NoError(t, os.Remove(file))
	waitFor(t, w, OpUnlink, file)
}

func TestWatcher_NewDirectories(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	dir := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.Eventually(t, func() bool { return w.watchedDirs() == 2 }, 5*time.Second, 10*time.Millisecond)

	file := filepath.Join(dir, "b_test.go")
	require.NoError(t, os.WriteFile(file, []byte("package pkg\n"), 0o644))
	waitFor(t, w, OpAdd, file)

	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool { return w.watchedDirs() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_Ignored(t *testing.T) {
	w, err := New(Config{Root: "/repo", Ignore: []string{"**/vendor/**"}})
	require.NoError(t, err)
	defer w.fs.Close()

	assert.True(t, w.ignored("/repo/vendor/x/y.go"))
	assert.True(t, w.ignored("/repo/pkg/vendor"))
	assert.False(t, w.ignored("/repo/pkg/a.go"))
	assert.False(t, w.ignored("/repo"))

	_, err = New(Config{Root: "/repo", Ignore: []string{"[bad"}})
	assert.Error(t, err)
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	w := startWatcher(t, t.TempDir())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.True(t, w.Stopped())
	require.NoError(t, w.WaitForShutdown(context.Background()))
	_, ok := <-w.Events()
	assert.False(t, ok)
}
