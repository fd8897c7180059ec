package sessionfile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/zerr"
)

// DebounceWindow coalesces the events of one atomic save.
const DebounceWindow = 100 * time.Millisecond

// Watch calls onChange after the session file is written, replaced or removed,
// until ctx is done. The parent directory is watched so atomic renames are seen.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "create session directory"), "path", dir)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return zerr.Wrap(err, "create session watcher")
	}
	defer func() { _ = fsWatcher.Close() }()

	if err := fsWatcher.Add(dir); err != nil {
		return zerr.With(zerr.Wrap(err, "watch session directory"), "path", dir)
	}

	debouncer := NewDebouncer(DebounceWindow, onChange)
	defer debouncer.Stop()

	name := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || event.Op == fsnotify.Chmod {
				continue
			}
			debouncer.Trigger()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			return zerr.Wrap(err, "session watcher failed")
		}
	}
}
