// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// defaultDebounce coalesces a burst of file events, such as a plugin
// being copied into place, into one reload.
const defaultDebounce = 250 * time.Millisecond

// dirWatcher watches a directory tree. fsnotify is not recursive, so
// subdirectories are added as they are found.
type dirWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan struct{}
	done     chan struct{}
	debounce time.Duration
	logger   *slog.Logger
	once     sync.Once
	wg       sync.WaitGroup
}

func newDirWatcher(dir string, debounce time.Duration, logger *slog.Logger) (*dirWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watch").Code("WATCH_FAILED").Wrapf(err, "failed to create watcher")
	}
	w := &dirWatcher{
		watcher:  fw,
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		debounce: debounce,
		logger:   logger,
	}
	if err := w.addTree(dir); err != nil {
		_ = fw.Close()
		return nil, oops.In("watch").
			Code("WATCH_FAILED").
			With("dir", dir).
			Hint("create the plugins directory or disable --watch").
			Wrapf(err, "failed to watch plugins directory")
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *dirWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Events returns the change notifications.
func (w *dirWatcher) Events() <-chan struct{} { return w.events }

// Close stops watching. It is safe to call more than once.
func (w *dirWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *dirWatcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
					}
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)
		case <-timer.C:
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}
