package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher evicts cache entries as soon as their file is removed or renamed
// out of the cache directory, instead of waiting for the next lookup.
type Watcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	logger  *log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewWatcher starts watching the manager's directory.
func NewWatcher(m *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating fsnotify watcher: %w", err)
	}
	if err := fw.Add(m.Dir()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("error adding dir to fsnotify watcher: %w", err)
	}

	w := &Watcher{
		manager: m,
		watcher: fw,
		logger:  m.logger,
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()

	w.logger.Info("fsnotify watching dir", "dir", m.Dir())
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			path := filepath.Clean(event.Name)
			if keys := w.manager.InvalidatePath(path); len(keys) > 0 {
				w.logger.Info("Evicted entries for removed file", "path", path, "keys", keys)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("fsnotify error", "dir", w.manager.Dir(), "error", err)
		case <-w.stop:
			return
		}
	}
}

// Name returns the component name.
func (w *Watcher) Name() string {
	return "cache watcher"
}

// Shutdown stops the watch loop and closes the underlying watcher.
func (w *Watcher) Shutdown(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("cache watcher shutdown: %w", ctx.Err())
	}
}

// ForceStop closes the watcher without waiting.
func (w *Watcher) ForceStop() error {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	return nil
}
