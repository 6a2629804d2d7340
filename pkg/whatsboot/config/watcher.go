package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when its content changes and hands the
// new configuration to onChange. The parent directory is watched because
// editors often replace the file by rename.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	lastHash [sha256.Size]byte
}

// NewWatcher creates a watcher for path. Events are coalesced for debounce.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		watcher:  fw,
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Start blocks until ctx is cancelled or the watcher is closed.
func (w *Watcher) Start(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	w.logger.Info("watching config file", "path", w.path)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			w.reload()

		case <-ctx.Done():
			return
		}
	}
}

// reload parses the file when its hash moved. Invalid files are logged and
// the running configuration is kept.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload: read failed", "error", err)
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return
	}

	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		w.logger.Error("config reload: keeping previous configuration", "error", err)
		return
	}
	w.lastHash = hash
	w.logger.Info("config file changed, applying")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
