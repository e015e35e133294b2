package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ReloadFunc receives a newly parsed, validated configuration. It returns
// an error if the new values are rejected by the caller for reasons
// config.Validate cannot see (e.g. a listen_addr change, which requires a
// rebind this package does not perform itself).
type ReloadFunc func(*Config) error

// Watcher reloads a configuration file on write and invokes onReload with
// the result. A malformed file, or a rejected reload, is logged and the
// previously active Config is left untouched (P10).
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *log.Entry
	onReload ReloadFunc
	done     chan struct{}
}

// Watch starts watching path for writes and begins its reload loop on its
// own goroutine. Call Close to stop it.
func Watch(path string, logger *log.Entry, onReload ReloadFunc) (*Watcher, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		logger:   logger.WithField("config_path", path),
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	// Editors commonly replace a file (write-rename) rather than writing
	// in place, which can briefly unregister the watch; debounce bursts
	// of events into a single reload rather than reacting to every one.
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.WithError(err).Warn("config reload rejected, keeping prior configuration")
			return
		}
		if err := w.onReload(cfg); err != nil {
			w.logger.WithError(err).Warn("config reload callback rejected new configuration")
			return
		}
		w.logger.Info("configuration reloaded")
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
