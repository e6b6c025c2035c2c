package pijud

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/pijuplayer/pijud/pijud/config"
)

// WatcherDebounce is how long the watcher sits on a file's events before
// emitting one, so that editors that truncate-then-write only restart a
// service once.
var WatcherDebounce = 500 * time.Millisecond

// Watcher watches the services directory for added, changed and removed
// definitions.
type Watcher struct {
	Events chan EventServiceListModify

	w   *fsnotify.Watcher
	j   Journaler
	dir string
}

// TryWatch attempts to watch the given directory asynchronously, but it will
// log into the journaler if, for some reason, it fails to watch the directory.
func TryWatch(ctx context.Context, dir string, j Journaler) *Watcher {
	w := newWatcher(dir, j)

	go func() {
		if err := w.init(); err != nil {
			j.Write(&EventWarning{
				Component: "watcher",
				Error:     fmt.Sprintf("not watching dir because: %v", err),
			})
			return
		}

		w.watch(ctx)
	}()

	return w
}

// NewWatcher watches the given directory and emits translated events. The
// watcher is stopped once the given context is canceled.
func NewWatcher(ctx context.Context, dir string, j Journaler) (*Watcher, error) {
	w := newWatcher(dir, j)
	if err := w.init(); err != nil {
		return nil, err
	}

	go w.watch(ctx)
	return w, nil
}

func newWatcher(dir string, j Journaler) *Watcher {
	return &Watcher{
		Events: make(chan EventServiceListModify),
		w:      nil,
		j:      j,
		dir:    dir,
	}
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch dir")
	}

	w.w = watcher
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.w.Close()

	// Per-file debounce state. Each file's latest translated event is held
	// back until the file has stayed quiet for WatcherDebounce.
	pending := make(map[string]EventServiceListModify)
	var flush <-chan time.Time
	var timer *time.Timer

	rearm := func() {
		if timer == nil {
			timer = time.NewTimer(WatcherDebounce)
		} else {
			timer.Stop()
			timer.Reset(WatcherDebounce)
		}
		flush = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-w.w.Errors:
			w.j.Write(&EventWarning{
				Component: "watcher",
				Error:     "inotify error: " + err.Error(),
			})

		case <-flush:
			flush = nil
			for file, event := range pending {
				delete(pending, file)

				select {
				case w.Events <- event:
					continue
				case <-ctx.Done():
					return
				}
			}

		case evt := <-w.w.Events:
			event, ok := translateFsnotifyEvt(evt)
			if !ok {
				continue
			}

			pending[event.Name] = event
			rearm()
		}
	}
}

// translateFsnotifyEvt translates an fsnotify event into a service list
// event. Events on files that don't look like definitions are dropped.
func translateFsnotifyEvt(evt fsnotify.Event) (EventServiceListModify, bool) {
	base := filepath.Base(evt.Name)
	if !config.IsDefinition(base) {
		return EventServiceListModify{}, false
	}

	name := base[:len(base)-len(filepath.Ext(base))]

	switch {
	case evt.Op&fsnotify.Write != 0:
		return EventServiceListModify{Op: ServiceListUpdate, Name: name}, true

	case evt.Op&fsnotify.Create != 0:
		return EventServiceListModify{Op: ServiceListAdd, Name: name}, true

	case evt.Op&fsnotify.Rename != 0:
		// Treat a rename as a remove; fsnotify does not report renames
		// properly, so it's apparently treated like a remove.
		// See: https://github.com/fsnotify/fsnotify/issues/26

		fallthrough
	case evt.Op&fsnotify.Remove != 0:
		return EventServiceListModify{Op: ServiceListRemove, Name: name}, true
	}

	return EventServiceListModify{}, false
}
