package billing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amurg-ai/entitle/hub/metrics"
)

const defaultReloadDebounce = 500 * time.Millisecond

// CatalogWatcher reloads the paid tiers from a JSON file whenever it changes.
// A file that fails to parse or validate leaves the current catalog in place.
type CatalogWatcher struct {
	path     string
	catalog  *Catalog
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewCatalogWatcher creates a watcher for path feeding catalog.
func NewCatalogWatcher(path string, catalog *Catalog, logger *slog.Logger) (*CatalogWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("tiers file path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &CatalogWatcher{
		path:     filepath.Clean(path),
		catalog:  catalog,
		logger:   logger.With("component", "catalog-watcher"),
		debounce: defaultReloadDebounce,
	}, nil
}

// Reload reads the file and replaces the catalog's paid tiers.
func (w *CatalogWatcher) Reload() error {
	tiers, err := LoadTiersFile(w.path)
	if err == nil {
		err = w.catalog.Replace(tiers)
	}
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("tier catalog reload failed, keeping previous tiers", "path", w.path, "error", err)
		return err
	}
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	w.logger.Info("tier catalog reloaded", "path", w.path, "tiers", len(tiers))
	return nil
}

// Run watches the file's directory until ctx is cancelled. Editors that
// replace files by rename are handled by watching the directory.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *CatalogWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Reload()
	})
}

func (w *CatalogWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
