package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gocallosum/callosum/pkg/classifier"
)

// RuleWatcher reloads the tier rule file whenever it changes on disk and
// hands each successfully-compiled classifier to onReload. A reload that
// fails to compile is logged and the previous classifier is left in
// place — a bad edit to tiers.json must not take the gate down.
type RuleWatcher struct {
	path     string
	log      *slog.Logger
	fsw      *fsnotify.Watcher
	onReload func(*classifier.Classifier)
	done     chan struct{}
}

// NewRuleWatcher starts watching the directory containing path (fsnotify
// watches directories, not bare files, so edits that replace the file
// via rename-into-place are still observed).
func NewRuleWatcher(path string, log *slog.Logger, onReload func(*classifier.Classifier)) (*RuleWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &RuleWatcher{path: path, log: log, fsw: fsw, onReload: onReload, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *RuleWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			specs, err := LoadRules(w.path)
			if err != nil {
				w.log.Warn("rule file reload failed, keeping previous rules", "path", w.path, "err", err)
				continue
			}
			cl, err := classifier.New(specs)
			if err != nil {
				w.log.Warn("rule file reload produced an invalid classifier, keeping previous rules", "path", w.path, "err", err)
				continue
			}
			w.log.Info("reloaded tier rules", "path", w.path, "rules", len(specs))
			w.onReload(cl)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("rule watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *RuleWatcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
