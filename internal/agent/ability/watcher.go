package ability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/logging"
)

// watchDebounce coalesces the event bursts an install or agent-written
// ability produces into one resync.
const watchDebounce = 500 * time.Millisecond

// Watch re-syncs the registry whenever the abilities directory changes,
// so installed and self-created abilities go live without a restart.
// The watcher stops when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, bundled ...Ability) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create abilities directory %s", r.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch %s", r.dir)
	}
	// ability contents live one level down; watch existing subdirs too
	if dirs, err := listAbilityDirs(r.dir); err == nil {
		for _, d := range dirs {
			_ = watcher.Add(d)
		}
	}

	go r.watchLoop(ctx, watcher, bundled)
	logging.G(ctx).WithField("dir", r.dir).Info("watching abilities directory")
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, bundled []Ability) {
	defer watcher.Close()

	var resync <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if !relevantEvent(event) {
				continue
			}
			resync = time.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.G(ctx).WithError(err).Warn("ability watcher error")

		case <-resync:
			resync = nil
			if err := r.Sync(ctx, bundled...); err != nil {
				logging.G(ctx).WithError(err).Warn("ability resync failed")
			}
		}
	}
}

// relevantEvent keeps the resync churn down: manifests changing, or
// ability directories appearing and disappearing.
func relevantEvent(event fsnotify.Event) bool {
	if strings.EqualFold(filepath.Base(event.Name), ManifestFileName) {
		return true
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	if event.Op&fsnotify.Create != 0 {
		info, err := os.Stat(event.Name)
		return err == nil && info.IsDir()
	}
	return false
}
