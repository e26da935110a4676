// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// Watcher reloads the config file when it changes and hands the new
// config to a callback. Used to pick up API key changes without a
// restart.
//
// Events are debounced: editors typically fire several write events per
// save, and atomic saves appear as create+rename.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher creates a watcher over the config file at path. onReload
// is invoked with each successfully reloaded config; reload failures
// are logged and the previous config stays in effect.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		onReload: onReload,
		watcher:  fsw,
		stop:     make(chan struct{}),
	}

	// Watch the directory, not the file: atomic saves replace the file
	// inode, which would silently detach a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.processEvents()
	return w, nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.watcher.Close()
}

// processEvents drains filesystem events and schedules reloads.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG_WATCH_ERROR | error=%v", err)
		}
	}
}

// scheduleReload coalesces bursts of events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = true
	w.mu.Unlock()

	time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()

		select {
		case <-w.stop:
			return
		default:
		}

		cfg, err := LoadFromPath(w.path)
		if err != nil {
			log.Printf("CONFIG_RELOAD_FAILED | path=%s error=%v", w.path, err)
			return
		}
		log.Printf("CONFIG_RELOADED | path=%s", w.path)
		w.onReload(cfg)
	})
}
