package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fovpipe/internal/fsutil"
)

// FileSystemEvent represents a catalog file change.
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher reports changes to catalog files (.csv, .xlsx) in a set
// of directories. Bursts of writes to the same file within Debounce collapse
// into one event.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	Debounce  time.Duration
	watchDirs []string
	done      chan struct{}
	log       *slog.Logger
}

// NewFileSystemWatcher creates a watcher for the given directories.
func NewFileSystemWatcher(watchPaths []string, log *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		Debounce:  500 * time.Millisecond,
		watchDirs: watchPaths,
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Start begins monitoring the configured directories.
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.log.Info("watching catalog directory", "dir", dir)
	}
	go fsw.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (fsw *FileSystemWatcher) Stop() error {
	close(fsw.done)
	return fsw.watcher.Close()
}

func (fsw *FileSystemWatcher) processEvents() {
	defer close(fsw.Events)
	last := map[string]time.Time{}
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !fsutil.IsCatalogFile(event.Name) || isHidden(event.Name) {
				continue
			}
			now := time.Now()
			if t, seen := last[event.Name]; seen && now.Sub(t) < fsw.Debounce {
				continue
			}
			last[event.Name] = now

			var size int64
			if st, err := os.Stat(event.Name); err == nil {
				size = st.Size()
			}
			ev := FileSystemEvent{Path: event.Name, Operation: operation, Time: now, Size: size}
			select {
			case fsw.Events <- ev:
			default:
				fsw.log.Warn("event buffer full, dropping catalog event", "path", event.Name)
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.log.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// isHidden skips editor swap files and lock files such as ~$catalog.xlsx.
func isHidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 0 && (base[0] == '.' || base[0] == '~')
}
