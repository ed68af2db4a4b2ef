package schemastore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events an editor or exporter produces for one save.
const DefaultDebounce = 500 * time.Millisecond

// MetadataWatcher re-indexes the metadata CSV whenever it changes on disk.
// The parent directory is watched so files replaced by rename are still seen.
type MetadataWatcher struct {
	watcher  *fsnotify.Watcher
	indexer  *Indexer
	path     string
	debounce time.Duration
	logger   *zap.Logger

	// onIndexed is called after every re-index attempt; used by tests.
	onIndexed func(tables int, err error)
}

// NewMetadataWatcher creates a watcher for the metadata file at path.
func NewMetadataWatcher(path string, indexer *Indexer, logger *zap.Logger) (*MetadataWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving metadata path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &MetadataWatcher{
		watcher:  w,
		indexer:  indexer,
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger.Named("metadata-watcher"),
	}, nil
}

// Run blocks until ctx is cancelled, re-indexing after each settled change.
func (w *MetadataWatcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			tables, err := w.indexer.IndexFile(ctx, w.path)
			if err != nil {
				w.logger.Error("Failed to re-index metadata", zap.String("path", w.path), zap.Error(err))
			} else {
				w.logger.Info("Re-indexed metadata after change", zap.Int("tables", tables))
			}
			if w.onIndexed != nil {
				w.onIndexed(tables, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *MetadataWatcher) Close() error {
	return w.watcher.Close()
}
