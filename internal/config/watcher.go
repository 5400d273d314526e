package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind names which home-directory file changed.
type ChangeKind string

const (
	ChangeConfig ChangeKind = "config"
	ChangePolicy ChangeKind = "policy"
)

const defaultSettle = 150 * time.Millisecond

// ReloadEvent is emitted once per burst of edits to a watched file.
type ReloadEvent struct {
	Kind ChangeKind
	Path string
}

// Watcher reports edits to config.yaml and policy.yaml. It watches the home
// directory rather than the files so editors that save by rename are seen.
type Watcher struct {
	homeDir string
	settle  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		settle:  defaultSettle,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

// SetSettle changes how long the watcher waits for a burst of writes to end.
// Call before Start.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) kindOf(name string) (ChangeKind, bool) {
	switch filepath.Base(name) {
	case filepath.Base(ConfigPath(w.homeDir)):
		return ChangeConfig, true
	case "policy.yaml":
		return ChangePolicy, true
	}
	return "", false
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[ChangeKind]string{}
	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			kind, watched := w.kindOf(ev.Name)
			if !watched {
				continue
			}
			pending[kind] = ev.Name
			timer.Reset(w.settle)
		case <-timer.C:
			for _, kind := range []ChangeKind{ChangePolicy, ChangeConfig} {
				path, ok := pending[kind]
				if !ok {
					continue
				}
				delete(pending, kind)
				w.logger.Info("home file changed", "kind", string(kind), "path", path)
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: path}:
				case <-ctx.Done():
					return
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
