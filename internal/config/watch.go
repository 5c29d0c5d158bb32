package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher re-parses the configuration at path whenever the file changes
// on disk and hands the result to onLoad. It does not reconfigure any
// running component itself; what happens with the new values is up to
// onLoad.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	log     *logrus.Entry
	onLoad  func(*Config)
}

// NewWatcher starts watching the directory containing path and invokes
// onLoad with a freshly parsed Config each time path changes.
func NewWatcher(path string, onLoad func(*Config), log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, log: log.WithField("component", "config.watch"), onLoad: onLoad}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFrom(w.path)
			if err != nil {
				w.log.WithError(err).Warn("ignoring invalid config reload")
				continue
			}
			w.log.Info("reloaded config")
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
