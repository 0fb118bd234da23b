package poolservice

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/quarrydb/quarry/pkg/log"
)

// Watcher re-imports the pool file whenever it changes on disk, so pool
// configuration edits take effect without a coordinator restart.
type Watcher struct {
	service *Service
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for the pool file at path.
func NewWatcher(service *Service, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory rather than the file: editors that replace the
	// file on save would otherwise drop the watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		service: service,
		path:    path,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.run()
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("poolservice")

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.service.ApplyFile(w.path); err != nil {
				logger.Error().Err(err).Str("path", w.path).Msg("failed to reload pool file")
				continue
			}
			logger.Info().Str("path", w.path).Msg("pool file reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("pool file watcher error")
		case <-w.stopCh:
			return
		}
	}
}
