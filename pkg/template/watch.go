package template

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/herald/pkg/models"
)

// watcher holds the hot-reload state for one template directory.
type watcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
}

// reloadDebounce coalesces the write bursts editors and sync tools produce.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the directory whenever a template document changes. Usage
// counters survive reloads because they are keyed by name outside the
// registry. Stopping the context stops the watch.
func (s *Store) Watch(ctx context.Context, dir string) error {
	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return models.NewError(models.KindInternal, "template.watch", "already watching")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return models.WrapError(models.KindInternal, "template.watch", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		s.mu.Unlock()
		return models.WrapError(models.KindInternal, "template.watch", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = &watcher{dir: dir, fsw: fsw, cancel: cancel}
	s.mu.Unlock()

	go s.watchLoop(watchCtx, fsw, dir)
	s.log.Info("Watching template directory", "dir", dir)
	return nil
}

// StopWatch releases the directory watch.
func (s *Store) StopWatch() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.cancel()
		w.fsw.Close()
	}
}

func (s *Store) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, dir string) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !templateExtensions[filepath.Ext(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := s.LoadDir(dir); err != nil {
					s.log.Warn("Template reload failed", "dir", dir, "err", err)
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.log.Error("Template watcher error", "err", err)
		}
	}
}
