package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the jar whenever another process rewrites the credential
// file and then calls onChange. Writes made by this jar are ignored. Watch
// returns once the watcher is installed; it stops when ctx is done, and the
// returned channel is closed after the last onChange call has returned.
func (j *Jar) Watch(ctx context.Context, onChange func()) (<-chan struct{}, error) {
	if j.path == "" {
		return nil, errors.New("credential: no file configured")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credential: watcher: %w", err)
	}
	// The directory is watched because the file is replaced by rename.
	dir := filepath.Dir(j.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("credential: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			_ = w.Close()
		}()
		target := filepath.Clean(j.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if !j.changedOnDisk() {
					continue
				}
				if err := j.Load(); err != nil {
					j.log.WarnContext(ctx, "credential.reload.fail", slog.String("err", err.Error()))
					continue
				}
				j.log.InfoContext(ctx, "credential.reload.ok", slog.String("path", j.path))
				if onChange != nil && ctx.Err() == nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				j.log.DebugContext(ctx, "credential.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return done, nil
}
