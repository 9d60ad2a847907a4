package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mdetruth/pkg/records"
)

// settle is how long a new file must stay unchanged before it is handed
// to the loop.
const settle = 300 * time.Millisecond

// Watcher reports screenshots created under root after it starts.
type Watcher struct {
	root    string
	parser  *records.TimestampParser
	skipped map[string]bool
	logger  *slog.Logger
}

func NewWatcher(root string, parser *records.TimestampParser, logger *slog.Logger, skip ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, parser: parser, skipped: skipSet(root, skip), logger: logger}
}

// Watch starts watching and returns a channel of settled new files. The
// channel closes when ctx is done or the watcher fails.
func (w *Watcher) Watch(ctx context.Context) (<-chan ImageRecord, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.addTree(fw, w.root); err != nil {
		fw.Close()
		return nil, err
	}
	w.logger.Info("watching for new screenshots", "dir", w.root)

	out := make(chan ImageRecord, 64)
	go func() {
		defer close(out)
		defer fw.Close()

		pending := map[string]time.Time{}
		ticker := time.NewTicker(settle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				w.handle(fw, ev, pending)
			case <-ticker.C:
				now := time.Now()
				for path, t := range pending {
					if now.Sub(t) < settle {
						continue
					}
					delete(pending, path)
					if _, err := os.Stat(path); err != nil {
						continue
					}
					select {
					case out <- newRecord(w.root, path, w.parser):
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "err", err)
			}
		}
	}()
	return out, nil
}

// Stream starts watching, then scans the tree, and returns the scanned
// images followed by new arrivals along with the scan count. Starting the
// watcher first means nothing created during the scan is missed; a file
// seen by both arrives once.
func (w *Watcher) Stream(ctx context.Context) (<-chan ImageRecord, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	live, err := w.Watch(ctx)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	images, err := scanTree(w.root, w.parser, w.skipped)
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("scan %s: %w", w.root, err)
	}
	out := make(chan ImageRecord)
	go func() {
		defer cancel()
		defer close(out)
		for rec := range Feed(ctx, images, live) {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, len(images), nil
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event, pending map[string]time.Time) {
	switch {
	case ev.Has(fsnotify.Create):
		fi, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if fi.IsDir() {
			if !w.skipped[filepath.Clean(ev.Name)] {
				if err := w.addTree(fw, ev.Name); err != nil {
					w.logger.Warn("cannot watch new directory", "dir", ev.Name, "err", err)
				}
			}
			return
		}
		if isSupportedExt(filepath.Base(ev.Name)) {
			pending[ev.Name] = time.Now()
		}
	case ev.Has(fsnotify.Write):
		if _, ok := pending[ev.Name]; ok {
			pending[ev.Name] = time.Now()
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skipped[filepath.Clean(path)] {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
