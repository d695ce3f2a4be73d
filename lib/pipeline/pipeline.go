// Package pipeline implements the Filesystem Monitor's staged action
// graph (spec §4.1, component D): stages 3 through 17, run by a small
// worker pool over events handed up from lib/fswatcher (stages 1–2)
// and from an offline-scan diff. Each stage receives an fsevent.Event
// and returns one of the four outcomes fsevent.Outcome names; the
// pipeline stops walking an event's stages as soon as a stage returns
// anything other than Passed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/eventdb"
	"github.com/pvtsync/pvtsync/lib/fsevent"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/rsync"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("pipeline", "Staged filesystem action pipeline")

// requeueDelay is how long a Returned event waits before re-entering
// the pipeline, and how long a per-path sequentialisation conflict
// waits before retrying dispatch.
const requeueDelay = 50 * time.Millisecond

// NotificationKind is the public signal the pipeline emits upward
// (spec §4.1 stage 17), plus the two UI-facing failure notices named
// in the stage 9–16 failure semantics.
type NotificationKind int

const (
	FileAdded NotificationKind = iota
	FileModified
	FileMoved
	FileDeleted
	NoDiskSpace
	AccessDenied
)

func (k NotificationKind) String() string {
	switch k {
	case FileAdded:
		return "file_added"
	case FileModified:
		return "file_modified"
	case FileMoved:
		return "file_moved"
	case FileDeleted:
		return "file_deleted"
	case NoDiskSpace:
		return "no_disk_space"
	case AccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// Notification is one stage-17 (or failure-path) signal. The fields
// beyond Kind/Path/OldPath mirror the fsevent.Event that produced it,
// so a subscriber (the Sync Orchestrator's bridge into the Event Queue
// Processor) never needs to re-look the FileRecord up after stage 16
// has already applied its move/delete cascade.
type Notification struct {
	Kind    NotificationKind
	Path    string
	OldPath string // set for FileMoved

	FileID              int64
	IsFolder            bool
	FileHash            string
	FileHashBeforeEvent string
	FileSize            int64
	FileSizeBeforeEvent int64
}

type stageFunc func(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error)

// Pipeline runs the staged action graph over a worker pool.
type Pipeline struct {
	Root      string
	CopiesDir string
	Events    *eventdb.Store
	Copies    *copystore.Store
	BlockSize int
	Workers   int

	stages []stageFunc

	in     chan *fsevent.Event
	notify chan Notification
	stop   chan struct{}
	wg     sync.WaitGroup

	mut        syncutil.Mutex
	processing map[string]bool

	diskFullMut syncutil.Mutex
	diskFull    bool
}

// New builds a Pipeline over an already-open Event Database and
// Copies Store. CopiesDir is where recent_copy_* staging files and
// promoted content blobs live (stage 9, stage 14).
func New(root, copiesDir string, events *eventdb.Store, copies *copystore.Store) *Pipeline {
	p := &Pipeline{
		Root:       filepath.Clean(root),
		CopiesDir:  copiesDir,
		Events:     events,
		Copies:     copies,
		BlockSize:  rsync.BlockSize,
		Workers:    4,
		in:         make(chan *fsevent.Event, 1024),
		notify:     make(chan Notification, 256),
		stop:       make(chan struct{}),
		mut:        syncutil.NewMutex(),
		processing: make(map[string]bool),
		diskFullMut: syncutil.NewMutex(),
	}
	p.stages = []stageFunc{
		p.loadInfoFromStorage,
		p.moveDetection,
		p.parentFolderChecks,
		p.resolveType,
		p.mtimeSizeShortCircuit,
		p.ignoreFolderModify,
		p.makeRecentCopy,
		p.signature,
		p.signatureChangeCheck,
		p.hash,
		p.hashChangeCheck,
		p.promoteRecentCopy,
		p.deleteCopyReference,
		p.updateStorage,
		p.notifyStage,
	}
	return p
}

// Notifications returns the channel of stage-17 (and failure) signals.
func (p *Pipeline) Notifications() <-chan Notification { return p.notify }

// Submit enqueues an event for processing (from the watcher, the
// offline scan, or a stage that spawned a new event).
func (p *Pipeline) Submit(ev *fsevent.Event) {
	select {
	case p.in <- ev:
	case <-p.stop:
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	n := p.Workers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains and halts the worker pool.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case ev := <-p.in:
			p.runOne(ev)
		}
	}
}

func (p *Pipeline) runOne(ev *fsevent.Event) {
	if !p.tryAcquire(ev.Src) {
		p.requeue(ev)
		return
	}
	defer p.release(ev.Src)

	outcome, err := p.process(context.Background(), ev)
	if err != nil {
		l.Debugf("event %s: %v", ev.Src, err)
	}
	if outcome == fsevent.Returned {
		p.requeue(ev)
	}
}

func (p *Pipeline) requeue(ev *fsevent.Event) {
	go func() {
		select {
		case <-time.After(requeueDelay):
		case <-p.stop:
			return
		}
		p.Submit(ev)
	}()
}

// tryAcquire enforces per-path sequentialisation: an event is refused
// dispatch while its src is a prefix of (or is prefixed by) any
// currently-processing path, so a folder and its children never race
// each other through the stages. Only the one path passed in is locked;
// a move's destination is not.
func (p *Pipeline) tryAcquire(path string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	for active := range p.processing {
		if pathConflicts(active, path) {
			return false
		}
	}
	p.processing[path] = true
	return true
}

func (p *Pipeline) release(path string) {
	p.mut.Lock()
	defer p.mut.Unlock()
	delete(p.processing, path)
}

func pathConflicts(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a+"/", b+"/") || strings.HasPrefix(b+"/", a+"/")
}

func (p *Pipeline) process(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if p.isDiskFull() && (ev.Type == fsevent.Create || ev.Type == fsevent.Modify) {
		return fsevent.Suppressed, nil
	}
	for _, stage := range p.stages {
		outcome, err := stage(ctx, ev)
		if outcome != fsevent.Passed {
			return outcome, err
		}
		if err != nil {
			return fsevent.Passed, err
		}
	}
	return fsevent.Passed, nil
}

func (p *Pipeline) isDiskFull() bool {
	p.diskFullMut.Lock()
	defer p.diskFullMut.Unlock()
	return p.diskFull
}

func (p *Pipeline) setDiskFull(v bool) {
	p.diskFullMut.Lock()
	p.diskFull = v
	p.diskFullMut.Unlock()
	if v {
		p.notifyRaw(Notification{Kind: NoDiskSpace})
	}
}

func (p *Pipeline) notifyRaw(n Notification) {
	select {
	case p.notify <- n:
	case <-p.stop:
	}
}

// --- stage 3: load-info-from-storage ---

func (p *Pipeline) loadInfoFromStorage(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if data, err := os.ReadFile(filepath.Join(p.Root, ev.Src+".pvtbox")); err == nil {
		ev.EventsFileID = strings.TrimSpace(string(data))
	}

	rec, found, err := p.Events.GetFileByPath(ev.Src)
	if err != nil {
		return fsevent.Returned, err
	}
	if found {
		ev.FileID = rec.ID
		ev.OldHash = rec.FileHash
	}
	return fsevent.Passed, nil
}

// --- stage 4: move-detection ---

func (p *Pipeline) moveDetection(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.Type != fsevent.Move {
		return fsevent.Passed, nil
	}

	_, srcErr := os.Lstat(filepath.Join(p.Root, ev.Src))
	_, dstErr := os.Lstat(filepath.Join(p.Root, ev.Dst))
	srcRec, srcFound, err := p.Events.GetFileByPath(ev.Src)
	if err != nil {
		return fsevent.Returned, err
	}

	if os.IsNotExist(srcErr) && dstErr == nil && srcFound {
		return fsevent.Passed, nil
	}

	if srcFound {
		p.Submit(&fsevent.Event{Type: fsevent.Delete, Src: ev.Src, IsDir: ev.IsDir, Time: ev.Time, FileID: srcRec.ID})
	}
	p.Submit(&fsevent.Event{Type: fsevent.Create, Src: ev.Dst, IsDir: ev.IsDir, Time: ev.Time})
	return fsevent.Spawned, nil
}

// --- stage 5: parent-folder checks ---

func (p *Pipeline) parentFolderChecks(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.Type == fsevent.Delete {
		return fsevent.Passed, nil
	}
	parent := filepath.Dir(ev.Src)
	if parent == "." || parent == string(filepath.Separator) {
		return fsevent.Passed, nil
	}

	if _, err := os.Lstat(filepath.Join(p.Root, parent)); os.IsNotExist(err) {
		p.Submit(&fsevent.Event{Type: fsevent.Delete, Src: parent, IsDir: true, Time: ev.Time})
		return fsevent.Spawned, nil
	}

	_, found, err := p.Events.GetFileByPath(parent)
	if err != nil {
		return fsevent.Returned, err
	}
	if !found {
		p.Submit(&fsevent.Event{Type: fsevent.Create, Src: parent, IsDir: true, Time: ev.Time})
		return fsevent.Returned, nil
	}
	return fsevent.Passed, nil
}

// --- stage 6: single-event type resolution ---

func (p *Pipeline) resolveType(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.Type == fsevent.Move {
		return fsevent.Passed, nil
	}
	_, statErr := os.Lstat(filepath.Join(p.Root, ev.Src))
	present := statErr == nil
	known := ev.FileID != 0

	switch {
	case present && known:
		ev.Type = fsevent.Modify
	case present && !known:
		ev.Type = fsevent.Create
	case !present && known:
		ev.Type = fsevent.Delete
	default:
		return fsevent.Suppressed, nil
	}
	return fsevent.Passed, nil
}

// --- stage 7: mtime/size short-circuit ---

func (p *Pipeline) mtimeSizeShortCircuit(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.Type != fsevent.Modify || ev.FileID == 0 {
		return fsevent.Passed, nil
	}
	rec, found, err := p.Events.GetFile(ev.FileID)
	if err != nil {
		return fsevent.Returned, err
	}
	if found && rec.Mtime == ev.Mtime && rec.Size == ev.FileSize {
		return fsevent.Suppressed, nil
	}
	return fsevent.Passed, nil
}

// --- stage 8: ignore folder MODIFY ---

func (p *Pipeline) ignoreFolderModify(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.IsDir && ev.Type == fsevent.Modify {
		return fsevent.Suppressed, nil
	}
	return fsevent.Passed, nil
}

// --- stage 9: make recent copy ---

func (p *Pipeline) makeRecentCopy(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.IsDir || (ev.Type != fsevent.Create && ev.Type != fsevent.Modify) || ev.FileSize == 0 {
		return fsevent.Passed, nil
	}

	dst := filepath.Join(p.CopiesDir, fmt.Sprintf("recent_copy_%d_%d", ev.ID, ev.Time.UnixNano()))
	if err := copyFileAtomic(filepath.Join(p.Root, ev.Src), dst); err != nil {
		if errors.Is(err, perrors.ErrNoDiskSpace) {
			p.setDiskFull(true)
			return fsevent.Suppressed, err
		}
		if errors.Is(err, os.ErrPermission) {
			p.notifyRaw(Notification{Kind: AccessDenied, Path: ev.Src})
			return fsevent.Suppressed, err
		}
		return fsevent.Returned, err
	}
	p.setDiskFull(false)
	ev.RecentCopyPath = dst
	return fsevent.Passed, nil
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".writing"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		if errors.Is(err, syscall.ENOSPC) {
			return perrors.ErrNoDiskSpace
		}
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// --- stage 10: signature ---

func (p *Pipeline) signature(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.IsDir || ev.Type == fsevent.Delete {
		return fsevent.Passed, nil
	}
	if ev.EventsFileID != "" && ev.OldSignature != nil {
		ev.NewSignature = ev.OldSignature
		return fsevent.Passed, nil
	}
	if ev.RecentCopyPath == "" {
		return fsevent.Passed, nil
	}

	f, err := os.Open(ev.RecentCopyPath)
	if err != nil {
		return fsevent.Returned, err
	}
	defer f.Close()

	blocks, err := rsync.Signature(f, p.BlockSize)
	if err != nil {
		return fsevent.Returned, err
	}
	ev.NewSignature = blocks
	return fsevent.Passed, nil
}

// --- stage 11: signature-change check ---
//
// FileRecord only persists the folded content hash, not the full
// per-block signature, and no stage sets OldSignature (stage 3 reads
// only the events_file_id from the companion file), so this early-exit
// only fires for events submitted with OldSignature already set; the
// plain case collapses into stage 13's
// hash-change check instead, which is semantically equivalent since
// the hash is a fold of the signature (stage 12).
func (p *Pipeline) signatureChangeCheck(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.FileID == 0 || ev.NewSignature == nil || ev.OldSignature == nil {
		return fsevent.Passed, nil
	}
	if rsync.Equal(ev.OldSignature, ev.NewSignature) {
		if err := p.touchMtimeSize(ev); err != nil {
			return fsevent.Returned, err
		}
		return fsevent.Suppressed, nil
	}
	return fsevent.Passed, nil
}

func (p *Pipeline) touchMtimeSize(ev *fsevent.Event) error {
	if ev.FileID == 0 {
		return nil
	}
	rec, found, err := p.Events.GetFile(ev.FileID)
	if err != nil || !found {
		return err
	}
	rec.Mtime = ev.Mtime
	rec.Size = ev.FileSize
	return p.Events.UpdateFile(rec)
}

// --- stage 12: hash ---

func (p *Pipeline) hash(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.IsDir || ev.Type == fsevent.Delete {
		return fsevent.Passed, nil
	}
	if ev.NewSignature == nil {
		if ev.FileSize == 0 {
			ev.NewHash = rsync.EmptyFileHash
		}
		return fsevent.Passed, nil
	}
	ev.NewHash = rsync.ContentHash(ev.NewSignature)
	return fsevent.Passed, nil
}

// --- stage 13: hash-change check ---

func (p *Pipeline) hashChangeCheck(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.Type != fsevent.Modify || ev.NewHash == "" {
		return fsevent.Passed, nil
	}
	if ev.NewHash == ev.OldHash {
		if err := p.touchMtimeSize(ev); err != nil {
			return fsevent.Returned, err
		}
		return fsevent.Suppressed, nil
	}
	return fsevent.Passed, nil
}

// --- stage 14: promote recent copy ---

func (p *Pipeline) promoteRecentCopy(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.RecentCopyPath == "" || ev.NewHash == "" {
		return fsevent.Passed, nil
	}
	defer func() {
		if ev.RecentCopyPath != "" {
			os.Remove(ev.RecentCopyPath)
			ev.RecentCopyPath = ""
		}
	}()
	if ev.NewHash == rsync.EmptyFileHash {
		return fsevent.Passed, nil
	}

	exists, err := p.Copies.Exists(ev.NewHash)
	if err != nil {
		return fsevent.Returned, err
	}
	if !exists {
		f, err := os.Open(ev.RecentCopyPath)
		if err != nil {
			return fsevent.Returned, err
		}
		putErr := p.Copies.Put(ctx, ev.NewHash, f)
		f.Close()
		if putErr != nil {
			return fsevent.Returned, putErr
		}
		size, err := p.Copies.Size(ctx, ev.NewHash)
		if err != nil {
			return fsevent.Returned, err
		}
		if size != ev.FileSize {
			return fsevent.Returned, fmt.Errorf("%w: promoted blob size %d, event reported %d", perrors.ErrWrongHash, size, ev.FileSize)
		}
	}
	if err := p.Copies.AddReference(ctx, ev.NewHash, copystore.ReasonFileRecord, false); err != nil {
		return fsevent.Returned, err
	}
	return fsevent.Passed, nil
}

// --- stage 15: delete-copy-reference ---

func (p *Pipeline) deleteCopyReference(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.OldHash == "" || ev.OldHash == ev.NewHash {
		return fsevent.Passed, nil
	}
	if ev.Type != fsevent.Modify && ev.Type != fsevent.Delete {
		return fsevent.Passed, nil
	}
	if _, err := p.Copies.RemoveReference(ctx, ev.OldHash, copystore.ReasonFileRecord, false); err != nil {
		return fsevent.Returned, err
	}
	return fsevent.Passed, nil
}

// --- stage 16: update storage ---

func (p *Pipeline) updateStorage(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	switch ev.Type {
	case fsevent.Create:
		if ev.FileID != 0 {
			return p.updateExisting(ev)
		}
		id, err := p.Events.CreateFile(eventdb.FileRecord{
			RelativePath: ev.Src,
			IsFolder:     ev.IsDir,
			FileHash:     ev.NewHash,
			Mtime:        ev.Mtime,
			Size:         ev.FileSize,
			EventsFileID: ev.EventsFileID,
		})
		if err != nil {
			return fsevent.Returned, err
		}
		ev.FileID = id
		return fsevent.Passed, nil

	case fsevent.Modify:
		return p.updateExisting(ev)

	case fsevent.Move:
		return p.moveStorage(ev)

	case fsevent.Delete:
		return p.deleteStorage(ev)
	}
	return fsevent.Passed, nil
}

func (p *Pipeline) updateExisting(ev *fsevent.Event) (fsevent.Outcome, error) {
	rec, found, err := p.Events.GetFileByPath(ev.Src)
	if err != nil {
		return fsevent.Returned, err
	}
	if !found || (ev.FileID != 0 && rec.ID != ev.FileID) {
		// The cached copy no longer matches storage; retry from stage 3.
		return fsevent.Returned, nil
	}
	rec.FileHash = ev.NewHash
	rec.Mtime = ev.Mtime
	rec.Size = ev.FileSize
	rec.IsFolder = ev.IsDir
	if err := p.Events.UpdateFile(rec); err != nil {
		return fsevent.Returned, err
	}
	ev.FileID = rec.ID
	return fsevent.Passed, nil
}

func (p *Pipeline) moveStorage(ev *fsevent.Event) (fsevent.Outcome, error) {
	rec, found, err := p.Events.GetFileByPath(ev.Src)
	if err != nil {
		return fsevent.Returned, err
	}
	if !found {
		return fsevent.Suppressed, nil
	}

	if ev.IsDir {
		children, err := p.Events.ListByPathPrefix(ev.Src + "/")
		if err != nil {
			return fsevent.Returned, err
		}
		for _, child := range children {
			child.RelativePath = ev.Dst + strings.TrimPrefix(child.RelativePath, ev.Src)
			if err := p.Events.UpdateFile(child); err != nil {
				return fsevent.Returned, err
			}
		}
	}

	rec.RelativePath = ev.Dst
	if err := p.Events.UpdateFile(rec); err != nil {
		return fsevent.Returned, err
	}
	ev.FileID = rec.ID
	return fsevent.Passed, nil
}

func (p *Pipeline) deleteStorage(ev *fsevent.Event) (fsevent.Outcome, error) {
	if ev.FileID == 0 {
		rec, found, err := p.Events.GetFileByPath(ev.Src)
		if err != nil {
			return fsevent.Returned, err
		}
		if !found {
			return fsevent.Suppressed, nil
		}
		ev.FileID = rec.ID
	}

	if ev.IsDir {
		children, err := p.Events.ListByPathPrefix(ev.Src + "/")
		if err != nil {
			return fsevent.Returned, err
		}
		for _, child := range children {
			if err := p.Events.DeleteFile(child.ID); err != nil {
				return fsevent.Returned, err
			}
		}
	}
	if err := p.Events.DeleteFile(ev.FileID); err != nil {
		return fsevent.Returned, err
	}
	return fsevent.Passed, nil
}

// --- stage 17: notify ---

func (p *Pipeline) notifyStage(ctx context.Context, ev *fsevent.Event) (fsevent.Outcome, error) {
	n := Notification{
		FileID:              ev.FileID,
		IsFolder:            ev.IsDir,
		FileHash:            ev.NewHash,
		FileHashBeforeEvent: ev.OldHash,
		FileSize:            ev.FileSize,
	}
	switch ev.Type {
	case fsevent.Create:
		n.Kind, n.Path = FileAdded, ev.Src
	case fsevent.Modify:
		n.Kind, n.Path = FileModified, ev.Src
	case fsevent.Move:
		n.Kind, n.Path, n.OldPath = FileMoved, ev.Dst, ev.Src
	case fsevent.Delete:
		n.Kind, n.Path = FileDeleted, ev.Src
	default:
		return fsevent.Passed, nil
	}
	p.notifyRaw(n)
	return fsevent.Passed, nil
}
