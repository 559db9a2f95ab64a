// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits for a burst of
// writes to settle before reloading.
const DefaultReloadDebounce = 250 * time.Millisecond

// BuildFunc turns a loaded config into a runnable pipeline. It must
// validate; a config it rejects is never swapped in.
type BuildFunc func(cfg *Config) (*Pipeline, error)

// Reloader serves the active pipeline and replaces it when agents.yaml or
// tasks.yaml in its directory change.
//
// # Description
//
// Run picks up the current pipeline once, at the start of a query, so a
// query that is already running finishes on the pipeline it started with
// while new queries see the replacement. A reload that fails to load or
// validate is logged and the previous pipeline stays active.
//
// # Thread Safety
//
// Run, Current and Reload are safe for concurrent use. Watch may be called
// once.
type Reloader struct {
	dir      string
	build    BuildFunc
	debounce time.Duration
	current  atomic.Pointer[Pipeline]

	// mu serializes reloads.
	mu sync.Mutex

	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReloader loads and builds the config in dir. An empty dir uses the
// embedded defaults; such a Reloader has nothing to watch.
func NewReloader(dir string, build BuildFunc) (*Reloader, error) {
	if build == nil {
		return nil, errors.New("pipeline reloader: build function is required")
	}
	r := &Reloader{dir: dir, build: build, debounce: DefaultReloadDebounce, done: make(chan struct{})}
	p, err := r.load()
	if err != nil {
		return nil, err
	}
	r.current.Store(p)
	return r, nil
}

// Current returns the active pipeline.
func (r *Reloader) Current() *Pipeline {
	return r.current.Load()
}

// Run answers query with the pipeline active when the call starts.
func (r *Reloader) Run(ctx context.Context, query string) (string, error) {
	return r.current.Load().Run(ctx, query)
}

// Reload rereads the directory and swaps in the new pipeline if it builds.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.load()
	if err == nil {
		r.current.Store(p)
		slog.Info("Research pipeline reloaded", "dir", r.dir, "tasks", len(p.Tasks()))
	} else {
		slog.Error("Pipeline reload rejected, keeping the active pipeline", "dir", r.dir, "error", err)
	}
	if r.OnReload != nil {
		r.OnReload(err)
	}
	return err
}

func (r *Reloader) load() (*Pipeline, error) {
	cfg, err := LoadConfig(r.dir)
	if err != nil {
		return nil, err
	}
	return r.build(cfg)
}

// Watch starts watching the config directory until ctx ends or Close is
// called. It is a no-op for the embedded config.
//
// # Description
//
// The directory is watched rather than the two files so that editors
// replacing a file by rename are seen. Events for other names are
// ignored; a burst of events triggers one reload after the debounce.
func (r *Reloader) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pipeline config watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = w

	r.wg.Add(1)
	go r.watchLoop(ctx)
	slog.Info("Watching pipeline config", "dir", r.dir)
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = r.Reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Pipeline config watcher error", "error", err)
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == agentsFile || base == tasksFile
}

// Close stops the watcher. The active pipeline keeps serving.
func (r *Reloader) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.wg.Wait()
	})
	return err
}
