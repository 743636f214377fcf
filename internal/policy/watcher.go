package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher hot-loads `.cedar` seed files from a directory. Each file becomes
// one global policy named after its base name; edits upsert a new version
// and trigger an engine reload. Events are debounced so editors that write
// in several syscalls cause one reload.
type Watcher struct {
	dir      string
	store    Store
	engine   *Engine
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher builds a watcher; debounce ≤ 0 defaults to 500 ms.
func NewWatcher(dir string, store Store, engine *Engine, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, store: store, engine: engine, logger: logger, debounce: debounce}
}

// Run performs an initial load, then watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.loadAll(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start policy watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching policy seed directory", zap.String("dir", w.dir))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".cedar") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", zap.Error(err))

		case <-timer.C:
			pending = false
			if err := w.loadAll(ctx); err != nil {
				w.logger.Error("policy seed reload failed", zap.Error(err))
			}
		}
	}
}

// loadAll upserts every seed file into the store, then reloads the engine.
// One unreadable or unparseable file fails the whole pass so the working
// set never reflects a partial directory.
func (w *Watcher) loadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read policy seed dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cedar") {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ".cedar")
		if _, err := w.store.Upsert(ctx, "", name, string(text)); err != nil {
			return fmt.Errorf("failed to upsert seed policy %s: %w", name, err)
		}
		loaded++
	}

	count, err := w.engine.Reload(ctx, w.store)
	if err != nil {
		return err
	}
	w.logger.Info("policy seeds loaded",
		zap.Int("files", loaded),
		zap.Int("working_set", count),
	)
	return nil
}
