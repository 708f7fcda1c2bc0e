package catalog

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog whenever its document changes on disk.
// Administrative convenience only; a failed reload keeps the previous
// snapshot. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.path); err != nil {
		return err
	}

	// Editors often write via rename; debounce bursts of events.
	var pending *time.Timer
	reload := func() {
		if err := c.Reload(); err != nil {
			c.logger.Warn("Catalog reload failed, keeping previous snapshot", zap.Error(err))
			return
		}
		// Re-add in case the file was replaced by rename.
		_ = watcher.Add(c.path)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Catalog watcher error", zap.Error(err))
		}
	}
}
