package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that config.yaml or a protected file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches config.yaml and the configured protected files for
// external changes, grounded on the teacher's internal/config/watcher.go.
// git ops (internal/gitops) uses the protected-file events to trigger an
// out-of-band safety-sync re-check instead of waiting for the next launch.
type Watcher struct {
	homeDir        string
	repoDir        string
	protectedFiles []string
	logger         *slog.Logger
	events         chan ReloadEvent
}

// NewWatcher creates a Watcher over config.yaml (under homeDir) and the
// given protected file paths, resolved relative to repoDir — the same
// working tree gitops.Manager.SyncProtectedFiles writes into, so a drift
// event and a sync operation always agree on which file moved.
func NewWatcher(homeDir, repoDir string, protectedFiles []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:        homeDir,
		repoDir:        repoDir,
		protectedFiles: protectedFiles,
		logger:         logger,
		events:         make(chan ReloadEvent, 16),
	}
}

// Events returns the channel of reload/drift notifications.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine, stopping when ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := append([]string{ConfigPath(w.homeDir)}, w.absoluteProtectedFiles()...)
	for _, file := range files {
		_ = fsw.Add(file)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config watcher observed change", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) absoluteProtectedFiles() []string {
	out := make([]string, 0, len(w.protectedFiles))
	for _, p := range w.protectedFiles {
		if filepath.IsAbs(p) {
			out = append(out, p)
			continue
		}
		out = append(out, filepath.Join(w.repoDir, p))
	}
	return out
}
