// SPDX-License-Identifier: MPL-2.0

// Package watch reports debounced changes to configuration files.
//
// The parent directory of every file is watched so that editors replacing a
// file through a rename are still seen. Events within the debounce window are
// coalesced into a single callback.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"
)

// DefaultDebounce is the quiet period before OnChange fires.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrNoFiles is returned by New when Config.Files is empty.
	ErrNoFiles = errors.New("watch: no files to watch")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("watch: Run called more than once")
)

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Files are the files to watch.
		Files []string
		// Debounce is the quiet period after the last event. Zero or negative
		// values fall back to DefaultDebounce.
		Debounce time.Duration
		// OnChange receives the sorted absolute paths that changed. Calls never
		// overlap; events arriving during a call are delivered afterwards.
		OnChange func(ctx context.Context, changed []string) error
		// Logger receives callback failures and non-fatal watcher errors.
		Logger *log.Logger
	}

	// Watcher monitors files and fires a debounced callback. Run must be
	// called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		files    map[string]struct{}
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}
)

// New creates a Watcher for cfg.Files.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Files) == 0 {
		return nil, ErrNoFiles
	}

	files := make(map[string]struct{}, len(cfg.Files))
	dirs := make([]string, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", f, err)
		}
		files[abs] = struct{}{}
		if dir := filepath.Dir(abs); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		files:    files,
		debounce: debounce,
		logger:   logger.WithPrefix("watch"),
	}, nil
}

// Run blocks until ctx is canceled, dispatching debounced callbacks. It
// returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		stopped bool
		running atomic.Bool
		wg      sync.WaitGroup
	)

	fire := func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		wg.Add(1)
		mu.Unlock()
		defer wg.Done()

		if !running.CompareAndSwap(false, true) {
			// Retry later so pending changes are not lost.
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := make([]string, 0, len(pending))
		for p := range pending {
			changed = append(changed, p)
		}
		clear(pending)
		mu.Unlock()
		sort.Strings(changed)

		if w.cfg.OnChange == nil {
			return
		}
		if err := w.cfg.OnChange(ctx, changed); err != nil {
			w.logger.Error("change callback failed", "files", changed, "error", err)
		}
	}

	defer func() {
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		wg.Wait()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if !w.relevant(evt) {
				continue
			}
			mu.Lock()
			pending[filepath.Clean(evt.Name)] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// relevant reports whether evt touches a watched file with a content change.
func (w *Watcher) relevant(evt fsnotify.Event) bool {
	if _, ok := w.files[filepath.Clean(evt.Name)]; !ok {
		return false
	}
	return evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename)
}
