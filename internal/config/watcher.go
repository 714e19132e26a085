package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileKind names a watched file.
type FileKind string

const (
	KindConfig FileKind = "config"
	KindPolicy FileKind = "policy"
)

// DefaultDebounce is how long the watcher waits after the last write to a
// file before reporting it. Editors often write a file several times per
// save.
const DefaultDebounce = 150 * time.Millisecond

// ReloadEvent reports that a watched file settled after a change. Op
// accumulates every operation seen during the debounce window.
type ReloadEvent struct {
	Kind FileKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml and policy.yaml. The home directory
// is watched, not the files, so saves that replace the file by rename are
// still seen.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent

	mu      sync.Mutex
	pending map[FileKind]*ReloadEvent
	timers  map[FileKind]*time.Timer
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      homeDir,
		logger:   logger.With("component", "config-watcher"),
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 8),
		pending:  map[FileKind]*ReloadEvent{},
		timers:   map[FileKind]*time.Timer{},
	}
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

func watchedKind(path string) (FileKind, bool) {
	switch filepath.Base(path) {
	case configFileName:
		return KindConfig, true
	case policyFileName:
		return KindPolicy, true
	}
	return "", false
}

// Start watches until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.timers = nil
		close(w.events)
		w.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if kind, ok := watchedKind(ev.Name); ok {
				w.note(kind, ev)
			}
		}
	}
}

// note merges ev into the pending event for kind and restarts its timer.
func (w *Watcher) note(kind FileKind, ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timers == nil {
		return
	}
	if p := w.pending[kind]; p != nil {
		p.Op |= ev.Op
		p.Path = ev.Name
	} else {
		w.pending[kind] = &ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}
	}
	if t := w.timers[kind]; t != nil {
		t.Stop()
	}
	w.timers[kind] = time.AfterFunc(w.debounce, func() { w.flush(kind) })
}

func (w *Watcher) flush(kind FileKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.pending[kind]
	delete(w.pending, kind)
	if p == nil || w.timers == nil {
		return
	}
	delete(w.timers, kind)
	select {
	case w.events <- *p:
		w.logger.Info("file changed", "kind", kind, "path", p.Path, "op", p.Op.String())
	default:
		w.logger.Warn("reload event dropped; consumer is behind", "kind", kind)
	}
}
