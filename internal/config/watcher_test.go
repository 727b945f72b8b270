package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chatloop/internal/config"
)

const watchedInitial = `
server:
  log_level: info
completion:
  provider:
    name: mock
`

const watchedRewrite = `
server:
  log_level: debug
completion:
  provider:
    name: mock
  max_chat_completions: 4
`

const watchedBroken = `
server:
  log_level: bananas
completion:
  provider:
    name: mock
`

// changeCounter is an onChange callback that counts invocations and keeps
// the latest pair.
type changeCounter struct {
	mu    sync.Mutex
	calls int
	old   *config.Config
	new   *config.Config
	fired chan struct{}
}

func newChangeCounter() *changeCounter {
	return &changeCounter{fired: make(chan struct{}, 1)}
}

func (c *changeCounter) onChange(old, new *config.Config) {
	c.mu.Lock()
	c.calls++
	c.old, c.new = old, new
	c.mu.Unlock()
	select {
	case c.fired <- struct{}{}:
	default:
	}
}

func (c *changeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// startWatched writes yaml to a temp file and starts a fast-polling watcher
// on it.
func startWatched(t *testing.T, yaml string, onChange func(old, new *config.Config)) (string, *config.Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewriteFile(t, path, yaml)

	w, err := config.NewWatcher(path, onChange, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w
}

func rewriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// TestWatcher_InitialLoad checks Current serves the parsed file right after
// construction.
func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w := startWatched(t, watchedInitial, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current returned nil after construction")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

// TestWatcher_ReloadsOnRewrite checks a content change reaches both the
// callback and Current.
func TestWatcher_ReloadsOnRewrite(t *testing.T) {
	t.Parallel()
	cc := newChangeCounter()
	path, w := startWatched(t, watchedInitial, cc.onChange)

	time.Sleep(100 * time.Millisecond)
	rewriteFile(t, path, watchedRewrite)

	select {
	case <-cc.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the rewrite")
	}

	cc.mu.Lock()
	old, new := cc.old, cc.new
	cc.mu.Unlock()
	if old == nil || new == nil {
		t.Fatal("callback received nil configs")
	}
	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want %q", old.Server.LogLevel, config.LogInfo)
	}
	if new.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level = %q, want %q", new.Server.LogLevel, config.LogDebug)
	}
	if new.Completion.MaxChatCompletions != 4 {
		t.Errorf("new max_chat_completions = %d, want 4", new.Completion.MaxChatCompletions)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current log_level = %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

// TestWatcher_BrokenRewriteIgnored checks an invalid rewrite neither fires
// the callback nor replaces the last good config.
func TestWatcher_BrokenRewriteIgnored(t *testing.T) {
	t.Parallel()
	cc := newChangeCounter()
	path, w := startWatched(t, watchedInitial, cc.onChange)

	time.Sleep(100 * time.Millisecond)
	rewriteFile(t, path, watchedBroken)
	time.Sleep(300 * time.Millisecond)

	if n := cc.count(); n != 0 {
		t.Errorf("callback fired %d times for an invalid rewrite, want 0", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current log_level = %q, want the pre-rewrite %q", cur.Server.LogLevel, config.LogInfo)
	}
}

// TestWatcher_MissingFile checks construction fails when the file is absent.
func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

// TestWatcher_StopTwice checks repeated Stop calls are harmless.
func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	_, w := startWatched(t, watchedInitial, nil)
	w.Stop()
	w.Stop()
}

// TestWatcher_TouchOnly checks an mtime bump with identical bytes does not
// fire the callback.
func TestWatcher_TouchOnly(t *testing.T) {
	t.Parallel()
	cc := newChangeCounter()
	path, _ := startWatched(t, watchedInitial, cc.onChange)

	time.Sleep(100 * time.Millisecond)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := cc.count(); n != 0 {
		t.Errorf("callback fired %d times for a touch, want 0", n)
	}
}
