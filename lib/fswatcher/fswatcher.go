// Package fswatcher implements the recursive filesystem watcher and
// delay batcher described in spec §4.1 (component D, "Watcher input"
// and pipeline stages 1–2): it turns raw OS notifications into
// debounced fsevent.Events, filtering out paths beyond a configured
// length and excluded by glob, and reading mtime/size at dispatch time.
// A path's debounce timer restarts on each raw notification for it; a
// file whose size or mtime changes without a new notification is not
// re-delayed.
package fswatcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/syncthing/notify"

	"github.com/pvtsync/pvtsync/lib/fsevent"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("fswatcher", "Recursive filesystem change notifications")

const (
	// DefaultDelay is the debounce window before a coalesced event is
	// released to the pipeline.
	DefaultDelay = 200 * time.Millisecond
	// DefaultMaxPathLength quarantines paths longer than this, relative
	// to root (stage 1, long-path filter).
	DefaultMaxPathLength = 4096
)

// Watcher watches one sync root recursively and emits debounced,
// filtered fsevent.Events.
type Watcher struct {
	Root          string
	Delay         time.Duration
	MaxPathLength int
	Excludes      glob.Glob

	notifyChan chan notify.EventInfo
	out        chan *fsevent.Event
	quarantine chan string

	stop chan struct{}
	wg   sync.WaitGroup

	mut     syncutil.Mutex
	pending map[string]*pendingPath
}

type pendingPath struct {
	timer *time.Timer
	typ   fsevent.Type
	dst   string
	isDir bool
}

// New creates a Watcher for root. Call Start to begin watching.
func New(root string) *Watcher {
	return &Watcher{
		Root:          filepath.Clean(root),
		Delay:         DefaultDelay,
		MaxPathLength: DefaultMaxPathLength,
		notifyChan:    make(chan notify.EventInfo, 4096),
		out:           make(chan *fsevent.Event, 256),
		quarantine:    make(chan string, 64),
		stop:          make(chan struct{}),
		pending:       make(map[string]*pendingPath),
	}
}

// Events returns the channel of debounced, dispatch-ready events.
func (w *Watcher) Events() <-chan *fsevent.Event { return w.out }

// Quarantined returns the channel of paths rejected by the long-path
// filter, for surfacing to the UI.
func (w *Watcher) Quarantined() <-chan string { return w.quarantine }

// Start begins recursively watching Root.
func (w *Watcher) Start() error {
	if err := notify.Watch(filepath.Join(w.Root, "..."), w.notifyChan, notify.All); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and releases all resources.
func (w *Watcher) Stop() {
	notify.Stop(w.notifyChan)
	close(w.stop)
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.notifyChan:
			if !ok {
				return
			}
			w.handleRaw(ev)
		}
	}
}

func (w *Watcher) handleRaw(ev notify.EventInfo) {
	path := ev.Path()
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return
	}
	if len(rel) > w.MaxPathLength {
		select {
		case w.quarantine <- rel:
		default:
			l.Warnf("quarantine channel full, dropping long path %q", rel)
		}
		return
	}
	if w.Excludes != nil && w.Excludes.Match(rel) {
		return
	}
	if isHidden(rel) {
		return
	}

	typ := classify(ev.Event())
	info, statErr := os.Lstat(path)
	isDir := statErr == nil && info.IsDir()

	w.mut.Lock()
	defer w.mut.Unlock()

	pp, found := w.pending[rel]
	if !found {
		pp = &pendingPath{}
		w.pending[rel] = pp
	}
	pp.typ = typ
	pp.isDir = isDir
	if pp.timer != nil {
		pp.timer.Stop()
	}
	pp.timer = time.AfterFunc(w.Delay, func() { w.dispatch(rel, path) })
}

func (w *Watcher) dispatch(rel, absPath string) {
	w.mut.Lock()
	pp, found := w.pending[rel]
	if found {
		delete(w.pending, rel)
	}
	w.mut.Unlock()
	if !found {
		return
	}

	ev := &fsevent.Event{
		Type:  pp.typ,
		Src:   rel,
		IsDir: pp.isDir,
		Time:  time.Now(),
	}
	if info, err := os.Lstat(absPath); err == nil {
		ev.FileSize = info.Size()
		ev.Mtime = info.ModTime().Unix()
	}

	select {
	case w.out <- ev:
	case <-w.stop:
	}
}

func classify(e notify.Event) fsevent.Type {
	switch {
	case e&notify.Create != 0:
		return fsevent.Create
	case e&notify.Remove != 0:
		return fsevent.Delete
	case e&notify.Rename != 0:
		return fsevent.Move
	default:
		return fsevent.Modify
	}
}

func isHidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

// isSubpath reports whether sub is path itself or lies beneath it.
func isSubpath(sub, path string) bool {
	if sub == path {
		return true
	}
	if !strings.HasSuffix(path, string(filepath.Separator)) {
		path += string(filepath.Separator)
	}
	return strings.HasPrefix(sub, path)
}

// relativeSubPath returns fullSubPath relative to folderPath, "." if
// they are equal.
func relativeSubPath(fullSubPath, folderPath string) (string, error) {
	return filepath.Rel(folderPath, fullSubPath)
}
