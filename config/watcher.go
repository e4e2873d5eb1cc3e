package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// WorkflowChangeEvent carries a reloaded set of definitions.
type WorkflowChangeEvent struct {
	Source    string
	OldHash   string
	NewHash   string
	Workflows []*workflow.WorkflowDefinition
	Time      time.Time
}

// WatcherOption configures a WorkflowWatcher.
type WatcherOption func(*WorkflowWatcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *WorkflowWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *WorkflowWatcher) { w.logger = l }
}

// WorkflowWatcher monitors a workflow source for changes and invokes a
// callback with the reloaded definitions. A file source is watched through
// its directory so atomic saves are seen. Definitions that fail to load are
// logged and the previous set stays in effect.
type WorkflowWatcher struct {
	source   *WorkflowSource
	debounce time.Duration
	logger   *slog.Logger
	onChange func(WorkflowChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu         sync.Mutex
	pending    bool
	lastChange time.Time
}

// NewWorkflowWatcher creates a watcher for source.
func NewWorkflowWatcher(source *WorkflowSource, onChange func(WorkflowChangeEvent), opts ...WatcherOption) *WorkflowWatcher {
	w := &WorkflowWatcher{
		source:   source,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching.
func (w *WorkflowWatcher) Start() error {
	hash, err := w.source.Hash(context.Background())
	if err != nil {
		return fmt.Errorf("workflow watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := w.source.Path()
	if !w.source.IsDir() {
		dir = filepath.Dir(dir)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("workflow watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the background goroutine to exit.
// It is safe to call Stop multiple times.
func (w *WorkflowWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *WorkflowWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 && w.relevant(event.Name) {
				w.mu.Lock()
				w.pending = true
				w.lastChange = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("workflow watcher error", "err", err)

		case <-ticker.C:
			w.mu.Lock()
			ready := w.pending && time.Since(w.lastChange) >= w.debounce
			if ready {
				w.pending = false
			}
			w.mu.Unlock()
			if ready {
				w.reload()
			}
		}
	}
}

// relevant filters directory events down to the source file, or to YAML
// files for a directory source.
func (w *WorkflowWatcher) relevant(name string) bool {
	if w.source.IsDir() {
		return isYAMLFile(name)
	}
	return filepath.Clean(name) == filepath.Clean(w.source.Path())
}

// reload loads the source and calls onChange when its content hash moved.
func (w *WorkflowWatcher) reload() {
	ctx := context.Background()

	newHash, err := w.source.Hash(ctx)
	if err != nil {
		w.logger.Error("workflow watcher: failed to hash workflows", "path", w.source.Path(), "err", err)
		return
	}
	if newHash == w.lastHash {
		w.logger.Debug("workflow watcher: content unchanged, skipping", "path", w.source.Path())
		return
	}

	defs, err := w.source.Load(ctx)
	if err != nil {
		w.logger.Error("workflow watcher: failed to load workflows", "path", w.source.Path(), "err", err)
		return
	}

	oldHash := w.lastHash
	w.lastHash = newHash
	w.logger.Info("workflows changed", "path", w.source.Path(), "old_hash", oldHash[:8], "new_hash", newHash[:8], "workflows", len(defs))

	w.onChange(WorkflowChangeEvent{
		Source:    w.source.Name(),
		OldHash:   oldHash,
		NewHash:   newHash,
		Workflows: defs,
		Time:      time.Now(),
	})
}
