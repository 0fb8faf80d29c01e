// Package watch signals when a single file on disk changes, using fsnotify
// with a stat-polling fallback.
//
// The parent directory is watched rather than the file itself so that
// atomic replace-by-rename writes (see the atomicfile package) keep firing
// after the original inode is gone.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the stat interval used in polling mode.
const DefaultPollInterval = 2 * time.Second

// ///////////////////////////////////////////////
// File Watcher
// ///////////////////////////////////////////////

// File monitors one file path.
type File struct {
	// path is the absolute path of the watched file.
	path string
	// events is buffered to 1 so back-to-back writes coalesce.
	events chan struct{}
	done   chan struct{}
	// fsw is nil when polling.
	fsw  *fsnotify.Watcher
	once sync.Once
	// polling is true when the watcher has fallen back to stat-based polling.
	polling      atomic.Bool
	pollInterval time.Duration
	wg           sync.WaitGroup
}

// New starts watching path. The file need not exist yet; its directory
// should. A zero pollInterval selects [DefaultPollInterval].
func New(path string, pollInterval time.Duration) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &File{
		path:         abs,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: pollInterval,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		slog.Info("cannot watch directory, falling back to polling", "path", filepath.Dir(abs), "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.watch()
	return w, nil
}

// Path returns the watched file path.
func (w *File) Path() string { return w.path }

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *File) Polling() bool { return w.polling.Load() }

// Events returns a channel that receives a signal when the file changes.
func (w *File) Events() <-chan struct{} { return w.events }

// Trigger queues a change signal as if the file had been written. Used to
// prime consumers that read the file on every signal.
func (w *File) Trigger() { w.notify() }

// Close stops the watcher and waits for its goroutine to exit.
func (w *File) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
	})
	return err
}

func (w *File) startPolling() {
	w.polling.Store(true)
	w.wg.Add(1)
	go w.poll()
}

// watch forwards fsnotify events for the watched file. On an fsnotify error
// it hands over to [File.poll].
func (w *File) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			w.polling.Store(true)
			w.wg.Add(1)
			go w.poll()
			return
		}
	}
}

// poll stats the file and signals when its modification time advances.
func (w *File) poll() {
	defer w.wg.Done()

	var lastMod time.Time
	if info, err := os.Stat(w.path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				w.notify()
			}
		}
	}
}

// notify is a no-op when a signal is already pending.
func (w *File) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
