// Package confwatch reloads the runtime-tunable part of a service's TOML
// config file when the file changes on disk.
package confwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Tunables are the settings that can change without a restart.
type Tunables struct {
	LogLevel string `toml:"loglevel"`
}

// Watcher watches one config file and invokes OnChange with the decoded
// tunables after every write.
type Watcher struct {
	path     string
	onChange func(Tunables)
	watcher  *fsnotify.Watcher
	wg       sync.WaitGroup
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, onChange func(Tunables)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Start begins watching the file's directory (editors replace files by rename,
// so watching the file itself loses the watch after the first save).
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("[Config] Watching for changes", "path", w.path)
	return nil
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	name := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[Config] Watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	t, err := Decode(w.path)
	if err != nil {
		slog.Warn("[Config] Reload failed", "path", w.path, "error", err)
		return
	}
	slog.Info("[Config] Reloaded", "path", w.path, "loglevel", t.LogLevel)
	if w.onChange != nil {
		w.onChange(t)
	}
}

// Decode reads the tunables from a TOML file, ignoring unrelated keys.
func Decode(path string) (Tunables, error) {
	var t Tunables
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tunables{}, err
	}
	return t, nil
}
