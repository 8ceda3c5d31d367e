package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loreweave/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  narrator:
    name: mock
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  narrator:
    name: mock
narration:
  history_limit: 8
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// countingWatcher starts a fast watcher on a fresh file and counts callbacks.
type countingWatcher struct {
	*config.Watcher
	path string

	mu    sync.Mutex
	calls int
	diff  config.ConfigDiff
	old   *config.Config
	new   *config.Config
	fired chan struct{}
}

func startWatcher(t *testing.T, initial string) *countingWatcher {
	t.Helper()
	cw := &countingWatcher{
		path:  filepath.Join(t.TempDir(), "loreweave.yaml"),
		fired: make(chan struct{}, 1),
	}
	writeFile(t, cw.path, initial)
	w, err := config.NewWatcher(cw.path, func(old, new *config.Config, d config.ConfigDiff) {
		cw.mu.Lock()
		cw.calls++
		cw.old, cw.new, cw.diff = old, new, d
		cw.mu.Unlock()
		select {
		case cw.fired <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	cw.Watcher = w
	return cw
}

func (cw *countingWatcher) callCount() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.calls
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cw := startWatcher(t, watcherValidYAML)

	cfg := cw.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cw := startWatcher(t, watcherValidYAML)

	time.Sleep(50 * time.Millisecond)
	writeFile(t, cw.path, watcherUpdatedYAML)
	// Push the mtime forward so coarse filesystem clocks still see a change.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(cw.path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case <-cw.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.old.Server.LogLevel != config.LogInfo || cw.new.Server.LogLevel != config.LogDebug {
		t.Errorf("old/new log level = %q/%q", cw.old.Server.LogLevel, cw.new.Server.LogLevel)
	}
	if !cw.diff.LogLevelChanged || !cw.diff.NarrationChanged {
		t.Errorf("diff = %+v", cw.diff)
	}
	if cur := cw.Current(); cur.Narration.HistoryLimit != 8 {
		t.Errorf("Current() history_limit = %d, want 8", cur.Narration.HistoryLimit)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cw := startWatcher(t, watcherValidYAML)

	time.Sleep(50 * time.Millisecond)
	writeFile(t, cw.path, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)

	if n := cw.callCount(); n != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", n)
	}
	if cur := cw.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cw := startWatcher(t, watcherValidYAML)

	time.Sleep(50 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cw.path, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := cw.callCount(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "loreweave.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
