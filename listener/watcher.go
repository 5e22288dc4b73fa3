package listener

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// submissionDebounce batches the write-then-rename burst a submission
// produces into one nudge.
const submissionDebounce = 500 * time.Millisecond

// submissionWatcher nudges the poll loop when a submission record
// lands in the sandbox, so drafts gate within the debounce window
// instead of a full poll interval. Polling stays authoritative: every
// event here is only an accelerant and losing the watcher loses no
// work.
type submissionWatcher struct {
	watcher *fsnotify.Watcher
	nudge   chan<- struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	pending bool
	running bool
}

func newSubmissionWatcher(dir string, nudge chan<- struct{}, logger *slog.Logger) (*submissionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &submissionWatcher{
		watcher: w,
		nudge:   nudge,
		logger:  logger,
	}, nil
}

func (w *submissionWatcher) start(ctx context.Context) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	go w.loop(ctx)
}

func (w *submissionWatcher) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *submissionWatcher) close() {
	_ = w.watcher.Close()
}

func (w *submissionWatcher) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(submissionDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".submission.json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Degrade, never die: the poll loop covers everything.
			w.logger.Warn("submission watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			fire := w.pending
			w.pending = false
			w.mu.Unlock()
			if fire {
				select {
				case w.nudge <- struct{}{}:
				default:
				}
			}
		}
	}
}
