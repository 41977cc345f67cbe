package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/domovoy-ai/domovoy/internal/config"
)

// writeConfig writes content to path with a distinct mtime so the watcher's
// mtime fast path does not mask the change.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var mu sync.Mutex
	var gotNew *config.Config
	changed := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(_, new *config.Config) {
		mu.Lock()
		gotNew = new
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, strings.Replace(validYAML, "port: 8000", "port: 9000", 1))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config change callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew.Server.Port != 9000 {
		t.Errorf("new config port = %d, want 9000", gotNew.Server.Port)
	}
	if w.Current().Server.Port != 9000 {
		t.Errorf("Current() port = %d, want 9000", w.Current().Server.Port)
	}
}

func TestWatcher_InvalidConfigKeepsOld(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// An invalid file must not replace the current config.
	writeConfig(t, path, "server:\n  log_level: bogus\n")

	select {
	case <-called:
		t.Fatal("onChange should not fire for an invalid config")
	case <-time.After(300 * time.Millisecond):
	}

	if w.Current().Server.Port != 8000 {
		t.Errorf("Current() port = %d, want old value 8000", w.Current().Server.Port)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
