package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher triggers a resync when policy documents change on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	logger   zerolog.Logger
	onChange func()
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// NewWatcher creates a watcher calling onChange once per burst of changes.
func NewWatcher(loader *Loader, debounce time.Duration, logger zerolog.Logger, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw := &Watcher{
		watcher:  w,
		loader:   loader,
		logger:   logger,
		onChange: onChange,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}

	go fw.run()

	return fw, nil
}

// Watch adds a directory.
func (fw *Watcher) Watch(dir string) error {
	return fw.watcher.Add(dir)
}

// Stop stops the watcher and cancels any pending callback.
func (fw *Watcher) Stop() error {
	var err error
	fw.once.Do(func() {
		close(fw.stopCh)
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *Watcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if !fw.loader.Supported(event.Name) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Policy document change detected")

				fw.schedule()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("Policy watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

// schedule debounces onChange.
func (fw *Watcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		select {
		case <-fw.stopCh:
			return
		default:
		}
		fw.onChange()
	})
}
