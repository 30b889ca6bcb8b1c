package confloader

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(WithWatcherLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestWatcher_WatchMissingDirectory(t *testing.T) {
	w := newTestWatcher(t)
	require.Error(t, w.Watch(filepath.Join(t.TempDir(), "absent", "dps.yaml")))
}

func TestWatcher_CallbacksRunInOrder(t *testing.T) {
	w := newTestWatcher(t)

	var got []int
	for i := range 3 {
		w.OnChange(func(string) { got = append(got, i) })
	}
	w.notifyCallbacks("/etc/dps/dps.yaml")
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestWatcher_DetectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dps.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	w := newTestWatcher(t)
	require.NoError(t, w.Watch(path))

	changed := make(chan string, 8)
	w.OnChange(func(p string) { changed <- p })
	w.StartAsync()

	writeFile(t, path, "log:\n  level: debug\n")
	select {
	case p := <-changed:
		assert.Equal(t, filepath.Clean(path), p)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWatcher_DetectsReplaceByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dps.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	w := newTestWatcher(t)
	require.NoError(t, w.Watch(path))

	var hits atomic.Int32
	w.OnChange(func(string) { hits.Add(1) })
	w.StartAsync()

	tmp := filepath.Join(dir, ".dps.yaml.swp")
	writeFile(t, tmp, "log:\n  level: warn\n")
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return hits.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dps.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	w := newTestWatcher(t)
	require.NoError(t, w.Watch(path))

	var hits atomic.Int32
	w.OnChange(func(string) { hits.Add(1) })
	w.StartAsync()

	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, hits.Load())
}

func TestWatcher_StopTwice(t *testing.T) {
	w, err := NewWatcher(WithWatcherLogger(quietLogger()))
	require.NoError(t, err)
	w.StartAsync()
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatcher_OnChangeWhileNotifying(t *testing.T) {
	w := newTestWatcher(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.OnChange(func(string) {})
		}()
		go func() {
			defer wg.Done()
			w.notifyCallbacks("/etc/dps/dps.yaml")
		}()
	}
	wg.Wait()

	w.mu.RLock()
	defer w.mu.RUnlock()
	assert.Len(t, w.callbacks, 4)
}
