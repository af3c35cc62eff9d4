package ward

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher refreshes file-based rule sources when the underlying
// files change, so edits to a local blocklist take effect without a
// restart or a SIGHUP.
type FileWatcher struct {
	manager *SourceManager
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// sourcesByPath maps a cleaned file path to its source ID.
	sourcesByPath map[string]string

	// Debounce coalesces bursts of write events into one refresh.
	// Defaults to 500ms.
	Debounce time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileWatcher creates a watcher bound to the given source manager.
func NewFileWatcher(manager *SourceManager, logger *slog.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		manager:       manager,
		watcher:       w,
		logger:        logger,
		sourcesByPath: make(map[string]string),
		Debounce:      500 * time.Millisecond,
		done:          make(chan struct{}),
	}, nil
}

// Watch registers a file path for the given source ID. Editors often
// replace files rather than write in place, so the parent directory is
// watched and events are filtered by name.
func (fw *FileWatcher) Watch(sourceID, path string) error {
	clean := filepath.Clean(path)
	fw.sourcesByPath[clean] = sourceID
	return fw.watcher.Add(filepath.Dir(clean))
}

// Start begins processing filesystem events until Close is called.
func (fw *FileWatcher) Start(ctx context.Context) {
	ctx, fw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(fw.done)

		pending := make(map[string]struct{})
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-fw.watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				id, tracked := fw.sourcesByPath[filepath.Clean(event.Name)]
				if !tracked {
					continue
				}
				pending[id] = struct{}{}
				if timer == nil {
					timer = time.NewTimer(fw.Debounce)
				} else {
					timer.Reset(fw.Debounce)
				}
				timerC = timer.C

			case <-timerC:
				timerC = nil
				for id := range pending {
					if err := fw.manager.Refresh(ctx, id); err != nil {
						fw.logger.Warn("file change refresh failed", "source", id, "error", err)
					} else {
						fw.logger.Info("source refreshed on file change", "source", id)
					}
				}
				pending = make(map[string]struct{})

			case err, ok := <-fw.watcher.Errors:
				if !ok {
					return
				}
				fw.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
}

// Close stops the watcher and releases its resources.
func (fw *FileWatcher) Close() error {
	if fw.cancel != nil {
		fw.cancel()
		<-fw.done
	}
	return fw.watcher.Close()
}
