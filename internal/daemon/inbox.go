package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polravi/mapmyactivities/internal/importer"
)

// ProcessedDir is the inbox subdirectory imported files are moved to.
const ProcessedDir = "processed"

// inbox imports files dropped into a directory.
type inbox struct {
	dir      string
	store    importer.Creator
	debounce time.Duration
	logger   *slog.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

func newInbox(dir string, store importer.Creator, debounce time.Duration, logger *slog.Logger) (*inbox, error) {
	if err := os.MkdirAll(filepath.Join(dir, ProcessedDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &inbox{
		dir:         dir,
		store:       store,
		debounce:    debounce,
		logger:      logger.With(slog.String("inbox", dir)),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

func importable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

// run imports files already waiting, then follows the directory until ctx
// is done. onImport is called after each batch that wrote something.
func (in *inbox) run(ctx context.Context, onImport func()) error {
	defer in.watcher.Close()

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && importable(e.Name()) {
			in.queueChange(filepath.Join(in.dir, e.Name()), time.Time{})
		}
	}

	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			// Only care about Create and Write
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !importable(event.Name) || filepath.Dir(event.Name) != filepath.Clean(in.dir) {
				continue
			}
			in.queueChange(event.Name, time.Now())

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("watcher error", "error", err)

		case <-ticker.C:
			if in.processPending(time.Now()) > 0 {
				onImport()
			}
		}
	}
}

func (in *inbox) queueChange(path string, at time.Time) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = at
}

// processPending imports files that have been quiet for the debounce
// interval and returns how many records were written.
func (in *inbox) processPending(now time.Time) int {
	in.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.debounce {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.changeQueueMu.Unlock()

	written := 0
	for _, path := range ready {
		written += in.importFile(path)
	}
	return written
}

func (in *inbox) importFile(path string) int {
	if _, err := os.Stat(path); err != nil {
		// Moved away or already processed.
		return 0
	}

	res, err := importer.ImportFile(path, in.store, importer.Options{})
	if err != nil {
		in.logger.Error("import failed", "file", filepath.Base(path), "error", err)
	}
	if res != nil {
		in.logger.Info("imported",
			slog.String("file", filepath.Base(path)),
			slog.Int("tasks", res.Tasks),
			slog.Int("goals", res.Goals),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
		for _, msg := range res.Errors {
			in.logger.Debug("import error", "file", filepath.Base(path), "detail", msg)
		}
	}

	dest := filepath.Join(in.dir, ProcessedDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(in.dir, ProcessedDir,
			fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	}
	if err := os.Rename(path, dest); err != nil {
		in.logger.Error("failed to move imported file", "file", path, "error", err)
	}

	if res == nil {
		return 0
	}
	return res.Converted()
}
