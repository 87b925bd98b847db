package sync

import (
	"fmt"
	"log/slog"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 256

// FileWatcher subscribes to recursive filesystem events for one root. It is
// a thin capability wrapper: whatever OS mechanism notify picks (inotify,
// FSEvents, ReadDirectoryChangesW) just has to yield touched paths; the
// engine's periodic re-sync bounds anything the events miss.
type FileWatcher struct {
	watchDir string
	events   chan notify.EventInfo
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir: watchDir,
		events:   make(chan notify.EventInfo, eventBufferSize),
	}
}

// Start begins delivering events. An error here means the platform has no
// usable event source for this directory; watch mode cannot run without one.
func (fw *FileWatcher) Start() error {
	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.events, notify.All); err != nil {
		return fmt.Errorf("filesystem events unavailable for %s: %w", fw.watchDir, err)
	}
	slog.Debug("file watcher started", "dir", fw.watchDir)
	return nil
}

func (fw *FileWatcher) Stop() {
	notify.Stop(fw.events)
	slog.Debug("file watcher stopped", "dir", fw.watchDir)
}

func (fw *FileWatcher) Events() <-chan notify.EventInfo {
	return fw.events
}
