/**
 * Directory watcher
 *
 * Emits lab-report files dropped into a directory so they can be handed to a
 * session. Bursts of create/write events for the same file are coalesced by a
 * debounce window; each path is emitted once per burst.
 */

package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
)

// DefaultExtensions are the file types the intake accepts
var DefaultExtensions = map[string]struct{}{
	"pdf":  {},
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"gif":  {},
	"webp": {},
	"tif":  {},
	"tiff": {},
	"bmp":  {},
}

// WatchConfig configures Watch
type WatchConfig struct {
	Dir         string
	Extensions  map[string]struct{}
	InitialScan bool          // emit files already present
	Debounce    time.Duration // quiet period before a changed file is emitted
	Logger      *logging.Logger
}

// Watch starts watching cfg.Dir recursively. The returned channel closes when
// ctx is done.
func Watch(ctx context.Context, cfg WatchConfig) (<-chan string, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.Extensions == nil {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Watcher")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	var initial []string
	err = filepath.WalkDir(cfg.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if cfg.InitialScan && Allowed(path, cfg.Extensions) {
			initial = append(initial, path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	out := make(chan string, 64)
	go run(ctx, w, cfg, initial, out)
	cfg.Logger.Info("Watching directory", "dir", cfg.Dir, "initial", len(initial))
	return out, nil
}

func run(ctx context.Context, w *fsnotify.Watcher, cfg WatchConfig, initial []string, out chan<- string) {
	defer close(out)
	defer w.Close()

	for _, p := range initial {
		select {
		case out <- p:
		case <-ctx.Done():
			return
		}
	}

	pending := make(map[string]time.Time)
	timer := time.NewTimer(cfg.Debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Create) {
				if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
					if err := w.Add(e.Name); err != nil {
						cfg.Logger.Warn("Failed to watch new directory", "path", e.Name, "error", err)
					}
					continue
				}
			}
			if !Allowed(e.Name, cfg.Extensions) || !(e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
				continue
			}
			pending[e.Name] = time.Now()
			timer.Reset(cfg.Debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			cfg.Logger.Warn("Watcher error", "error", err)

		case <-timer.C:
			cutoff := time.Now().Add(-cfg.Debounce)
			var wait time.Duration
			for p, seen := range pending {
				if seen.After(cutoff) {
					if d := seen.Sub(cutoff); d > wait {
						wait = d
					}
					continue
				}
				delete(pending, p)
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// Allowed reports whether path has one of exts (lowercase, no dot)
func Allowed(path string, exts map[string]struct{}) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := exts[ext]
	return ok
}
