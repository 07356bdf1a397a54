// Package watch provides a purely advisory watch over NIX_SANDBOX_DIR.
// Environment descriptors are assembled once at startup and never mutated
// (see package config); this package never re-scans or touches the live
// descriptor set, it only warns an operator that a restart is needed to
// pick up changes made on disk after the broker started.
package watch

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// SandboxDir starts watching dir and logs a warning on the first event
// observed (of any kind: create, write, remove, rename or chmod), then keeps
// watching (further events
// within the same run are logged at debug to avoid repeating the warning).
// Returns immediately if dir cannot be watched; that is not fatal — the
// broker still runs with the environments already loaded.
func SandboxDir(ctx context.Context, dir string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("sandbox directory watch unavailable", "error", err)
		return
	}

	if err := watcher.Add(dir); err != nil {
		logger.Debug("cannot watch sandbox directory", "path", dir, "error", err)
		_ = watcher.Close()
		return
	}

	go run(ctx, watcher, dir, logger)
}

func run(ctx context.Context, watcher *fsnotify.Watcher, dir string, logger *slog.Logger) {
	defer watcher.Close()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !warned {
				logger.Warn("sandbox directory changed since startup; restart the broker to pick up new environments",
					"path", dir, "event", event.String())
				warned = true
			} else {
				logger.Debug("sandbox directory changed again", "path", dir, "event", event.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Debug("sandbox directory watch error", "path", dir, "error", err)
		}
	}
}
