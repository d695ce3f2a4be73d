// Package eventqueue implements the Event Queue Processor (spec §4.5,
// component F): the merge point between local pipeline notifications
// (from D, after stage 17) and remote event batches delivered over
// signalling. It resolves each event's target FileRecord, classifies
// it as extending or conflicting with the known chain, registers local
// events with the server's commit protocol, and applies satisfiable
// remote events through the Quiet Processor (E) or else enqueues a
// download in the Download Manager (H).
package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/download"
	"github.com/pvtsync/pvtsync/lib/eventdb"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/patchstore"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/quiet"
	"github.com/pvtsync/pvtsync/lib/rand"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("eventqueue", "Local/remote event merge and conflict resolution")

// conflictSuffix names the marker inserted into conflict-copy
// filenames (spec §4.5 step 5).
const conflictSuffix = "conflicted copy"

// registerRetryLimit bounds how many USER_NODE_MISMATCH retries a
// single local event registration attempts before giving up.
const registerRetryLimit = 5

// RegistrationClient is the external web API surface a local event is
// registered against (spec §4.5 step 3 and the commit protocol). The
// server accepts the proposal if lastEventID is still the chain head,
// otherwise returns perrors.ErrUserNodeMismatch.
type RegistrationClient interface {
	RegisterEvent(ctx context.Context, ev eventdb.EventRecord, lastEventID string) (serverEventID int64, err error)
}

// RemoteEvent is one entry from a remote event batch, as delivered by
// signalling, before it has been resolved against the local Event
// Database (spec §3 EventRecord, carried over the wire with an
// authoritative events_file_id rather than a local numeric FileID).
type RemoteEvent struct {
	UUID                string
	ServerEventID       int64
	EventsFileID        string
	Path                string
	IsFolder            bool
	Type                eventdb.EventType
	FileHash            string
	FileHashBeforeEvent string
	FileSize            int64
	FileSizeBeforeEvent int64
	DiffFileUUID        string // direct patch: FileHashBeforeEvent -> FileHash
	RevDiffFileUUID     string // reverse patch: FileHash -> FileHashBeforeEvent
	LastEventID         string // uuid of the event this one claims to extend
}

// LocalEvent is one pipeline notification from D, not yet registered
// with the server.
type LocalEvent struct {
	FileID              int64
	Path                string
	IsFolder            bool
	Type                eventdb.EventType
	FileHash            string
	FileHashBeforeEvent string
	FileSize            int64
	FileSizeBeforeEvent int64
}

// Processor is the Event Queue Processor.
type Processor struct {
	Root      string
	Events    *eventdb.Store
	Copies    *copystore.Store
	Patches   *patchstore.Store
	Apply     *quiet.Processor
	Downloads *download.Scheduler
	Consumer  *availability.Consumer
	Client    RegistrationClient

	mut          syncutil.Mutex
	excluded     map[string]bool // relative paths currently marked excluded
	collaborated map[string]bool // folder relative paths with a move lock
	pendingLocal map[int64]eventdb.EventRecord
}

// New builds a Processor over the already-open stores and appliers it
// merges. client may be nil in tests that never register local events.
func New(root string, events *eventdb.Store, copies *copystore.Store, patches *patchstore.Store, apply *quiet.Processor, downloads *download.Scheduler, consumer *availability.Consumer, client RegistrationClient) *Processor {
	return &Processor{
		Root:         filepath.Clean(root),
		Events:       events,
		Copies:       copies,
		Patches:      patches,
		Apply:        apply,
		Downloads:    downloads,
		Consumer:     consumer,
		Client:       client,
		mut:          syncutil.NewMutex(),
		excluded:     make(map[string]bool),
		collaborated: make(map[string]bool),
		pendingLocal: make(map[int64]eventdb.EventRecord),
	}
}

// MarkCollaborated records that folder is a collaboration folder: it
// gets a distinct icon via E (left to the caller's UI layer) and
// cannot be moved or renamed locally (spec §4.5 step 7).
func (p *Processor) MarkCollaborated(folder string) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.collaborated[filepath.Clean(folder)] = true
}

func (p *Processor) isCollaborated(path string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	for dir := range p.collaborated {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ErrCollaborationMoveRejected is returned by HandleLocal when a move
// or rename touches a collaboration folder; the caller must revert the
// filesystem change and surface a UI notification.
type ErrCollaborationMoveRejected struct {
	Path string
}

func (e *ErrCollaborationMoveRejected) Error() string {
	return fmt.Sprintf("eventqueue: %q is inside a collaboration folder and cannot be moved locally", e.Path)
}

// HandleLocal registers one local pipeline event with the server (spec
// §4.5 steps 1-3), retrying on perrors.ErrUserNodeMismatch by reloading
// the chain head and proposing the event again; no conflict check runs
// between attempts. On success the
// assigned server_event_id is stored and the file's head advances.
func (p *Processor) HandleLocal(ctx context.Context, le LocalEvent) error {
	if le.Type == eventdb.Move && p.isCollaborated(le.Path) {
		return &ErrCollaborationMoveRejected{Path: le.Path}
	}

	for attempt := 0; attempt < registerRetryLimit; attempt++ {
		head, _, err := p.Events.Head(le.FileID)
		if err != nil {
			return err
		}

		ev := eventdb.EventRecord{
			UUID:                rand.String(32),
			FileID:              le.FileID,
			Type:                le.Type,
			FileName:            filepath.Base(le.Path),
			FileHash:            le.FileHash,
			FileHashBeforeEvent: le.FileHashBeforeEvent,
			FileSize:            le.FileSize,
			FileSizeBeforeEvent: le.FileSizeBeforeEvent,
			State:               eventdb.Sent,
			LastEventID:         head.UUID,
		}

		p.mut.Lock()
		p.pendingLocal[le.FileID] = ev
		p.mut.Unlock()

		if p.Client == nil {
			return fmt.Errorf("eventqueue: no registration client configured")
		}
		serverEventID, err := p.Client.RegisterEvent(ctx, ev, head.UUID)
		if err != nil {
			if errors.Is(err, perrors.ErrUserNodeMismatch) {
				continue // reload the (possibly moved) head and retry
			}
			return err
		}

		ev.ServerEventID = serverEventID
		ev.State = eventdb.Applied
		if err := p.Events.PutEvent(ev); err != nil {
			return err
		}
		p.mut.Lock()
		delete(p.pendingLocal, le.FileID)
		p.mut.Unlock()
		return nil
	}
	return fmt.Errorf("eventqueue: %w after %d retries registering %q", perrors.ErrUserNodeMismatch, registerRetryLimit, le.Path)
}

// resolveTarget finds (or creates) the FileRecord a remote event
// applies to: by events_file_id when known, else by path (spec §4.5
// step 1).
func (p *Processor) resolveTarget(re RemoteEvent) (eventdb.FileRecord, error) {
	if re.EventsFileID != "" {
		if rec, found, err := p.Events.GetFileByEventsFileID(re.EventsFileID); err != nil {
			return eventdb.FileRecord{}, err
		} else if found {
			return rec, nil
		}
	}
	if rec, found, err := p.Events.GetFileByPath(re.Path); err != nil {
		return eventdb.FileRecord{}, err
	} else if found {
		return rec, nil
	}

	rec := eventdb.FileRecord{
		RelativePath: re.Path,
		IsFolder:     re.IsFolder,
		EventsFileID: re.EventsFileID,
		Excluded:     p.isExcluded(re.Path),
	}
	id, err := p.Events.CreateFile(rec)
	if err != nil {
		return eventdb.FileRecord{}, err
	}
	rec.ID = id
	return rec, nil
}

// HandleRemote resolves, classifies and applies or schedules one
// remote event (spec §4.5 steps 1, 2, 4, 5, 6).
func (p *Processor) HandleRemote(ctx context.Context, re RemoteEvent) error {
	rec, err := p.resolveTarget(re)
	if err != nil {
		return err
	}

	if rec.Excluded && !re.IsFolder {
		return p.applyExcluded(rec, re)
	}

	if conflict, local := p.detectConflict(rec.ID, re); conflict {
		if err := p.resolveConflict(rec, re, local); err != nil {
			return err
		}
	}

	ev := eventdb.EventRecord{
		UUID:                re.UUID,
		ServerEventID:       re.ServerEventID,
		FileID:              rec.ID,
		Type:                re.Type,
		FileName:            filepath.Base(re.Path),
		FileHash:            re.FileHash,
		FileHashBeforeEvent: re.FileHashBeforeEvent,
		FileSize:            re.FileSize,
		FileSizeBeforeEvent: re.FileSizeBeforeEvent,
		DiffFileUUID:        re.DiffFileUUID,
		RevDiffFileUUID:     re.RevDiffFileUUID,
		State:               eventdb.Received,
		LastEventID:         re.LastEventID,
	}
	if err := p.Events.PutEvent(ev); err != nil {
		return err
	}

	satisfiable, applyFn, err := p.dependencySatisfiable(ctx, rec, re)
	if err != nil {
		return err
	}
	if !satisfiable {
		return p.enqueueDownload(rec, re)
	}

	if err := applyFn(); err != nil {
		return err
	}
	ev.State = eventdb.Downloaded
	if err := p.Events.PutEvent(ev); err != nil {
		return err
	}
	ev.State = eventdb.Applied
	return p.Events.PutEvent(ev)
}

// detectConflict reports whether re diverges from a local event this
// node has proposed but not yet had confirmed (spec §4.5 step 5: a
// concurrent local MODIFY racing a remote MODIFY off the same
// predecessor).
func (p *Processor) detectConflict(fileID int64, re RemoteEvent) (bool, eventdb.EventRecord) {
	p.mut.Lock()
	local, ok := p.pendingLocal[fileID]
	p.mut.Unlock()
	if !ok {
		return false, eventdb.EventRecord{}
	}
	if local.LastEventID == re.LastEventID && local.UUID != re.UUID {
		return true, local
	}
	return false, eventdb.EventRecord{}
}

// resolveConflict implements spec §4.5 step 5: the remote event wins
// the chain. The local content is renamed to a conflict copy and the
// local event's chain is discarded (marked occupied).
func (p *Processor) resolveConflict(rec eventdb.FileRecord, re RemoteEvent, local eventdb.EventRecord) error {
	conflictPath, err := uniqueConflictCopyPath(p.Root, rec.RelativePath, time.Now())
	if err != nil {
		return err
	}
	if err := p.Apply.ApplyMove(rec.RelativePath, conflictPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	local.State = eventdb.Occupied
	if err := p.Events.PutEvent(local); err != nil {
		return err
	}
	p.mut.Lock()
	delete(p.pendingLocal, rec.ID)
	p.mut.Unlock()

	l.Infof("conflict on %q: remote event %s wins, local content preserved as %q", rec.RelativePath, re.UUID, conflictPath)
	return nil
}

// dependencySatisfiable reports whether re can be applied immediately
// from content already held locally (a full copy, or a materialised
// direct/reverse patch), returning the apply closure to run if so
// (spec §4.5 step 4).
func (p *Processor) dependencySatisfiable(ctx context.Context, rec eventdb.FileRecord, re RemoteEvent) (bool, func() error, error) {
	switch re.Type {
	case eventdb.Delete:
		return true, func() error { return p.Apply.ApplyDelete(rec.RelativePath) }, nil

	case eventdb.Move:
		return true, func() error { return p.Apply.ApplyMove(rec.RelativePath, re.Path) }, nil

	default: // Create, Update
		if re.DiffFileUUID != "" {
			if e, found, err := p.Patches.Get(re.DiffFileUUID); err != nil {
				return false, nil, err
			} else if found && e.Exist {
				return true, func() error { return p.applyPatch(ctx, rec, re, re.DiffFileUUID) }, nil
			}
		}
		if re.RevDiffFileUUID != "" {
			if e, found, err := p.Patches.Get(re.RevDiffFileUUID); err != nil {
				return false, nil, err
			} else if found && e.Exist {
				return true, func() error { return p.applyPatch(ctx, rec, re, re.RevDiffFileUUID) }, nil
			}
		}
		ok, err := p.Copies.Exists(re.FileHash)
		if err != nil {
			return false, nil, err
		}
		if ok || re.FileHash == "" {
			return true, func() error {
				return p.Apply.CreateFromCopy(ctx, re.Path, re.FileHash, re.EventsFileID)
			}, nil
		}
		return false, nil, nil
	}
}

func (p *Processor) applyPatch(ctx context.Context, rec eventdb.FileRecord, re RemoteEvent, patchUUID string) error {
	archive, err := p.Patches.Archive(ctx, patchUUID)
	if err != nil {
		return err
	}
	return p.Apply.ApplyPatch(re.Path, archive, re.FileHashBeforeEvent)
}

// CompleteDownload finishes applying a remote event whose content
// arrived asynchronously through H (the caller wires this to the
// download Task's Done channel). It re-resolves the target, applies
// the now-locally-available content, and advances the event's state
// from received to downloaded to applied.
func (p *Processor) CompleteDownload(ctx context.Context, re RemoteEvent) error {
	rec, err := p.resolveTarget(re)
	if err != nil {
		return err
	}
	ev, found, err := p.Events.GetEventByUUID(re.UUID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("eventqueue: no pending event %s for completed download", re.UUID)
	}

	var applyErr error
	switch {
	case re.DiffFileUUID != "":
		applyErr = p.applyPatch(ctx, rec, re, re.DiffFileUUID)
	case re.RevDiffFileUUID != "":
		applyErr = p.applyPatch(ctx, rec, re, re.RevDiffFileUUID)
	default:
		applyErr = p.Apply.CreateFromCopy(ctx, re.Path, re.FileHash, re.EventsFileID)
	}
	if applyErr != nil {
		return applyErr
	}

	ev.State = eventdb.Downloaded
	if err := p.Events.PutEvent(ev); err != nil {
		return err
	}
	ev.State = eventdb.Applied
	return p.Events.PutEvent(ev)
}

// enqueueDownload schedules a download for re's content through H,
// with priority derived from the event's patch-chain shape (spec §4.5
// step 4's "priority derived from event type").
func (p *Processor) enqueueDownload(rec eventdb.FileRecord, re RemoteEvent) error {
	full := filepath.Join(p.Root, re.Path)
	switch {
	case re.DiffFileUUID != "":
		obj := availability.ObjID{Type: availability.ObjPatch, ID: re.DiffFileUUID}
		_, err := p.Downloads.AddTask(obj, full, re.FileSize, download.PriorityWantedDirectPatch, re.FileHash)
		return err
	case re.RevDiffFileUUID != "":
		obj := availability.ObjID{Type: availability.ObjPatch, ID: re.RevDiffFileUUID}
		_, err := p.Downloads.AddTask(obj, full, re.FileSizeBeforeEvent, download.PriorityReversedPatch, re.FileHashBeforeEvent)
		return err
	default:
		obj := availability.ObjID{Type: availability.ObjFile, ID: re.UUID}
		_, err := p.Downloads.AddTask(obj, full, re.FileSize, download.PriorityDirectPatch, re.FileHash)
		return err
	}
}

// SetExcluded marks path excluded or un-excluded (spec §4.5 step 6).
// Un-excluding walks the subtree forward, materialising every
// descendant FileRecord's current head content.
func (p *Processor) SetExcluded(ctx context.Context, path string, excluded bool) error {
	p.mut.Lock()
	if excluded {
		p.excluded[path] = true
	} else {
		delete(p.excluded, path)
	}
	p.mut.Unlock()

	rec, found, err := p.Events.GetFileByPath(path)
	if err != nil {
		return err
	}
	if found {
		rec.Excluded = excluded
		if err := p.Events.UpdateFile(rec); err != nil {
			return err
		}
	}
	if excluded {
		return nil
	}

	descendants, err := p.Events.ListByPathPrefix(path + "/")
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if !d.Excluded {
			continue
		}
		d.Excluded = false
		if err := p.Events.UpdateFile(d); err != nil {
			return err
		}
		if d.IsFolder {
			continue
		}
		if err := p.Apply.CreateFromCopy(ctx, d.RelativePath, d.FileHash, d.EventsFileID); err != nil {
			l.Warnf("materialising %q on un-exclusion: %v", d.RelativePath, err)
		}
	}
	return nil
}

func (p *Processor) isExcluded(path string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	for dir := range p.excluded {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

func (p *Processor) applyExcluded(rec eventdb.FileRecord, re RemoteEvent) error {
	rec.Excluded = true
	rec.EventsFileID = re.EventsFileID
	return p.Events.UpdateFile(rec)
}

// splitConflictExt separates name into a base and an extension made of
// up to two trailing dot-segments that contain no spaces (spec §4.5
// step 5's extension heuristic).
func splitConflictExt(name string) (base, ext string) {
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return name, ""
	}
	var extParts []string
	i := len(parts) - 1
	for len(extParts) < 2 && i > 0 {
		seg := parts[i]
		if strings.Contains(seg, " ") {
			break
		}
		extParts = append([]string{seg}, extParts...)
		i--
	}
	if len(extParts) == 0 {
		return name, ""
	}
	return strings.Join(parts[:i+1], "."), "." + strings.Join(extParts, ".")
}

// uniqueConflictCopyPath builds the first free conflict-copy path for
// relPath, named `<original> (conflicted copy <date>)[ N].<ext>` (spec
// §4.5 step 5).
func uniqueConflictCopyPath(root, relPath string, now time.Time) (string, error) {
	dir := filepath.Dir(relPath)
	base, ext := splitConflictExt(filepath.Base(relPath))
	stamp := now.Format("2006-01-02 150405")

	for n := 0; n < 1000; n++ {
		suffix := ""
		if n > 0 {
			suffix = fmt.Sprintf(" %d", n)
		}
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%s %s)%s%s", base, conflictSuffix, stamp, suffix, ext))
		if _, err := os.Lstat(filepath.Join(root, candidate)); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("eventqueue: could not find a free conflict-copy name for %q", relPath)
}
