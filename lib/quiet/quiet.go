// Package quiet implements the Quiet Processor (spec §4.4, component
// E): applying remote decisions to the filesystem. It marks paths
// "quiet" before mutating them; IsQuiet reads and clears a marker, but
// nothing in the Filesystem Monitor (D) calls IsQuiet, so the monitor
// does not tell these mutations apart from local ones. It also
// exposes the four idempotent apply operations — create-from-copy,
// patch, move, delete — that the Event Queue Processor (F) calls once
// it has decided a remote event is locally satisfiable.
package quiet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/eventdb"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/rsync"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("quiet", "Quiet application of remote decisions")

// quietTTL bounds how long a path stays marked quiet if the monitor
// never observes (or swallows) the expected raw event, avoiding
// livelock per spec §5's quiet-invariant note.
const quietTTL = 30 * time.Second

// Processor applies remote decisions to Root and keeps the quiet
// markers for the paths it mutates.
type Processor struct {
	Root    string
	Events  *eventdb.Store
	Copies  *copystore.Store

	mut   syncutil.Mutex
	quiet map[string]time.Time
}

// New creates a Processor rooted at root.
func New(root string, events *eventdb.Store, copies *copystore.Store) *Processor {
	return &Processor{
		Root:   filepath.Clean(root),
		Events: events,
		Copies: copies,
		mut:    syncutil.NewMutex(),
		quiet:  make(map[string]time.Time),
	}
}

// MarkQuiet records that path is about to be mutated by a quiet apply;
// IsQuiet reads the marker back.
func (p *Processor) MarkQuiet(path string) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.quiet[path] = time.Now().Add(quietTTL)
}

// IsQuiet reports and clears the quiet marker for path, if one is set
// and not yet expired.
func (p *Processor) IsQuiet(path string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	deadline, ok := p.quiet[path]
	if !ok {
		return false
	}
	delete(p.quiet, path)
	return time.Now().Before(deadline)
}

// EventsFileIDMismatch is raised when the authoritative identity F
// supplies does not match what the local FileRecord carries. F
// converts it into either a rename-retry or a rollback and
// re-enumeration of the parent directory.
type EventsFileIDMismatch struct {
	Path     string
	Expected string
	Got      string
}

func (e *EventsFileIDMismatch) Error() string {
	return fmt.Sprintf("quiet: events_file_id mismatch on %q: expected %q, got %q", e.Path, e.Expected, e.Got)
}

func (p *Processor) checkEventsFileID(rec eventdb.FileRecord, wantID string) error {
	if wantID != "" && rec.EventsFileID != "" && rec.EventsFileID != wantID {
		return &EventsFileIDMismatch{Path: rec.RelativePath, Expected: wantID, Got: rec.EventsFileID}
	}
	return nil
}

// CreateFromCopy materialises destPath from the blob at hash. If the
// blob is missing locally it first tries makeCopyFromExistingFiles, the
// local-dedup path that avoids a network download by finding any
// currently-tracked file whose live content already hashes to hash.
func (p *Processor) CreateFromCopy(ctx context.Context, destPath, hash string, eventsFileID string) error {
	full := filepath.Join(p.Root, destPath)

	if rec, found, err := p.Events.GetFileByPath(destPath); err != nil {
		return err
	} else if found {
		if mismatch := p.checkEventsFileID(rec, eventsFileID); mismatch != nil {
			return mismatch
		}
	}

	p.MarkQuiet(destPath)

	if _, err := os.Lstat(full); err == nil {
		if existingHash, hashErr := p.hashFile(full); hashErr == nil && existingHash == hash {
			return nil // already-done, idempotent per spec §4.4
		}
	}

	exists, err := p.Copies.Exists(hash)
	if err != nil {
		return err
	}
	if !exists && hash != rsync.EmptyFileHash {
		if ok, mkErr := p.makeCopyFromExistingFiles(ctx, hash); mkErr != nil {
			return mkErr
		} else if !ok {
			return fmt.Errorf("%w: content %s not locally available", perrors.ErrCopyDoesNotExist, hash)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	r, err := p.Copies.OpenReader(ctx, hash)
	if err != nil {
		return err
	}
	defer r.Close()

	tmp := full + ".pvtsync-quiet"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		return err
	}

	if err := p.Copies.AddReference(ctx, hash, copystore.ReasonFileRecord, false); err != nil {
		l.Warnf("adding FileRecord reference for %s: %v", hash, err)
	}
	return nil
}

// makeCopyFromExistingFiles scans currently-tracked files for one whose
// live on-disk content already hashes to hash, and if found, promotes
// it into the Copies Store directly rather than waiting on a download.
func (p *Processor) makeCopyFromExistingFiles(ctx context.Context, hash string) (bool, error) {
	rec, found, err := p.Events.FindByHash(hash)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	full := filepath.Join(p.Root, rec.RelativePath)
	liveHash, err := p.hashFile(full)
	if err != nil {
		return false, nil
	}
	if liveHash != hash {
		return false, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	if err := p.Copies.Put(ctx, hash, f); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	blocks, err := rsync.Signature(f, rsync.BlockSize)
	if err != nil {
		return "", err
	}
	return rsync.ContentHash(blocks), nil
}

// ApplyPatch applies archive (an rsync patch, spec §6 format) to
// destPath, checking first that the patch's recorded old hash equals
// oldHash; the on-disk content's hash is not computed for that check.
// Re-applying an already-applied patch is a no-op (AlreadyPatched is
// swallowed, per spec §4.4 idempotence laws).
func (p *Processor) ApplyPatch(destPath string, archive []byte, oldHash string) error {
	full := filepath.Join(p.Root, destPath)
	p.MarkQuiet(destPath)

	newData, _, _, err := rsync.AcceptPatch(archive, full, oldHash)
	if err != nil {
		if errors.Is(err, perrors.ErrAlreadyPatched) {
			return nil
		}
		return err
	}
	tmp := full + ".pvtsync-quiet"
	if err := os.WriteFile(tmp, newData, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

// ApplyMove renames src to dst. Accepted as already-done when dst
// exists and src is already gone (spec §4.4 idempotence laws).
func (p *Processor) ApplyMove(src, dst string) error {
	srcFull := filepath.Join(p.Root, src)
	dstFull := filepath.Join(p.Root, dst)
	p.MarkQuiet(src)
	p.MarkQuiet(dst)

	if _, err := os.Lstat(dstFull); err == nil {
		if _, srcErr := os.Lstat(srcFull); os.IsNotExist(srcErr) {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return err
	}
	return os.Rename(srcFull, dstFull)
}

// ApplyDelete removes path. A second call after the file is already
// gone is a no-op, per spec §4.4 idempotence laws.
func (p *Processor) ApplyDelete(path string) error {
	full := filepath.Join(p.Root, path)
	p.MarkQuiet(path)

	err := os.RemoveAll(full)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
