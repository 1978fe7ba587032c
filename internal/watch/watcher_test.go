// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, cfg Config) (cancel func(), done <-chan error) {
	t.Helper()
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancelFn := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return cancelFn, errCh
}

func TestNew_NoFiles(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("New() error = %v, want ErrNoFiles", err)
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "absent", "config.cue")
	if _, err := New(Config{Files: []string{path}}); err == nil {
		t.Fatal("New() succeeded for a file in a missing directory")
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	other := filepath.Join(dir, "other.cue")
	writeFile(t, path, "a")
	writeFile(t, other, "a")

	calls := make(chan []string, 8)
	cancel, done := startWatcher(t, Config{
		Files:    []string{path},
		Debounce: 100 * time.Millisecond,
		OnChange: func(_ context.Context, changed []string) error {
			calls <- changed
			return nil
		},
	})
	defer cancel()

	for _, content := range []string{"b", "c", "d"} {
		writeFile(t, path, content)
	}
	writeFile(t, other, "b")

	select {
	case changed := <-calls:
		abs, _ := filepath.Abs(path)
		if len(changed) != 1 || changed[0] != abs {
			t.Errorf("changed = %v, want [%s]", changed, abs)
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnChange was not called")
	}

	select {
	case changed := <-calls:
		t.Errorf("unexpected second callback with %v", changed)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWatcher_ReplaceByRename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	writeFile(t, path, "a")

	calls := make(chan []string, 4)
	cancel, _ := startWatcher(t, Config{
		Files:    []string{path},
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, changed []string) error {
			calls <- changed
			return nil
		},
	})
	defer cancel()

	tmp := filepath.Join(dir, "config.cue.tmp")
	writeFile(t, tmp, "b")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-calls:
	case <-time.After(waitTimeout):
		t.Fatal("OnChange was not called after an atomic replace")
	}
}

func TestWatcher_CallbackErrorKeepsRunning(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.cue")
	writeFile(t, path, "a")

	var (
		mu    sync.Mutex
		count int
	)
	fired := make(chan struct{}, 4)
	cancel, done := startWatcher(t, Config{
		Files:    []string{path},
		Debounce: 50 * time.Millisecond,
		OnChange: func(context.Context, []string) error {
			mu.Lock()
			count++
			mu.Unlock()
			fired <- struct{}{}
			return errors.New("reload failed")
		},
	})

	for i := range 2 {
		writeFile(t, path, string(rune('b'+i)))
		select {
		case <-fired:
		case <-time.After(waitTimeout):
			t.Fatalf("callback %d not fired", i+1)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("callback count = %d, want 2", count)
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.cue")
	writeFile(t, path, "a")
	w, err := New(Config{Files: []string{path}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}
