// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfWriteWindow suppresses watcher events caused by the Manager's own
// atomic rename for a short period after each write.
const selfWriteWindow = 2 * time.Second

// fileWatcher logs a warning when something other than the Manager
// modifies the state file. The engine's single-writer model is an
// assumption about the deployment, not something it can enforce; this
// watcher at least makes a violation visible in the logs.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger

	mu            sync.Mutex
	lastSelfWrite time.Time

	done chan struct{}
}

// newFileWatcher watches the directory containing path (editors and
// atomic writers replace files, so watching the file inode directly
// misses events).
func newFileWatcher(path string, logger *slog.Logger) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	fw := &fileWatcher{
		watcher: w,
		path:    path,
		logger:  logger.With(slog.String("component", "state_watcher")),
		done:    make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (fw *fileWatcher) run() {
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if fw.withinSelfWriteWindow() {
				continue
			}
			fw.logger.Warn("state file modified outside this process",
				slog.String("path", fw.path),
				slog.String("op", event.Op.String()),
				slog.String("note", "engine assumes a single writer; external edits may be overwritten or flagged corrupt"),
			)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Debug("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (fw *fileWatcher) noteSelfWrite() {
	fw.mu.Lock()
	fw.lastSelfWrite = time.Now()
	fw.mu.Unlock()
}

func (fw *fileWatcher) withinSelfWriteWindow() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return time.Since(fw.lastSelfWrite) < selfWriteWindow
}

func (fw *fileWatcher) close() {
	close(fw.done)
	fw.watcher.Close()
}
