package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration whenever the file changes on disk, so
// feature toggles flipped by an external settings editor take effect
// without a restart.
type Watcher struct {
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch observes path and invokes onChange with each successfully reloaded
// configuration. Malformed intermediate states (editors often write in two
// steps) are logged and skipped.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by rename
	// and a watch on the old inode would go quiet.
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(target)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Watch",
						"path":     target,
						"error":    err,
					}).Warn("Ignoring unreadable config change")
					continue
				}
				logrus.WithFields(logrus.Fields{
					"function": "Watch",
					"path":     target,
				}).Info("Config file changed, reloaded")
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "Watch",
					"error":    err,
				}).Warn("Config watcher error")
			}
		}
	}()

	return w, nil
}

// Close stops watching. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
