package harvester

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/gnasty-live/internal/core"
)

const tokenDebounce = 250 * time.Millisecond

// WatchTokenFiles reloads platform whenever one of paths changes. Bursts of
// writes are debounced into a single reload. The watcher stops with ctx.
func (h *Harvester) WatchTokenFiles(ctx context.Context, platform core.Platform, paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := false
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			h.logger.Error("harvester: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						h.logger.Error("harvester: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(tokenDebounce)
				}
			case <-debounce.C:
				if _, err := h.Reload(ctx, platform); err != nil {
					h.logger.Error("harvester: token reload failed", "platform", string(platform), "err", err)
				} else {
					h.logger.Info("harvester: token files changed, reconnected", "platform", string(platform))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Error("harvester: watch error", "err", err)
			}
		}
	}()
	return nil
}
