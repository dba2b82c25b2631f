// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce groups the burst of events an editor produces when it
// saves a file.
const defaultDebounce = 200 * time.Millisecond

// fileWatcher reports changes to a fixed set of files.
//
// Directories are watched rather than the files themselves because
// editors often save by renaming a temporary file over the original,
// which drops a watch placed on the file.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
}

// newFileWatcher watches paths. Empty paths are ignored.
func newFileWatcher(paths []string, debounce time.Duration, logger *slog.Logger) (*fileWatcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	fw := &fileWatcher{watcher: w, files: make(map[string]bool), debounce: debounce, logger: logger}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		fw.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fw, nil
}

// Changes returns a channel receiving the sorted paths changed during each
// quiet period. The channel is closed when ctx is done or the watcher is
// closed.
func (w *fileWatcher) Changes(ctx context.Context) <-chan []string {
	out := make(chan []string, 1)
	go w.loop(ctx, out)
	return out
}

func (w *fileWatcher) loop(ctx context.Context, out chan<- []string) {
	defer close(out)

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path, err := filepath.Abs(event.Name)
			if err != nil || !w.files[path] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			select {
			case out <- changed:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *fileWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
