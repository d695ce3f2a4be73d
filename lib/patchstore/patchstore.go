// Package patchstore implements the Patches Store (spec §4.2, component
// B): a reference-counted repository of rsync-style binary patches keyed
// by patch UUID. Patch archives (produced by lib/rsync) are stored as
// blobs alongside a goleveldb metadata row tracking direct/reverse
// reference counts and the endpoint content hashes each patch bridges.
package patchstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/rsync"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("patchstore", "Reference-counted rsync patch store")

// Entry is the persisted metadata row for one patch UUID (PatchEntry in
// spec §3).
type Entry struct {
	UUID         string `json:"uuid"`
	OldHash      string `json:"old_hash"`
	NewHash      string `json:"new_hash"`
	Size         int64  `json:"size"`
	DirectCount  int    `json:"direct_count"`
	ReverseCount int    `json:"reverse_count"`
	Active       bool   `json:"active"`
	Exist        bool   `json:"exist"`
}

func (e Entry) refsHeld() bool { return e.DirectCount+e.ReverseCount > 0 }

type delta struct {
	direct, reverse int
	active          *bool
}

// Store is the Patches Store.
type Store struct {
	mut    syncutil.Mutex
	db     *leveldb.DB
	bucket *blob.Bucket

	copies *copystore.Store

	postponed map[string]delta
}

// Open opens (creating if necessary) a Patches Store rooted at dir.
func Open(dir string, copies *copystore.Store) (*Store, error) {
	db, err := leveldb.OpenFile(dir+"/meta", nil)
	if err != nil {
		return nil, fmt.Errorf("patchstore: opening metadata db: %w", err)
	}
	bucket, err := fileblob.OpenBucket(dir+"/patches", nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("patchstore: opening blob bucket: %w", err)
	}
	return &Store{
		mut:       syncutil.NewMutex(),
		db:        db,
		bucket:    bucket,
		copies:    copies,
		postponed: make(map[string]delta),
	}, nil
}

func (s *Store) Close() error {
	err1 := s.bucket.Close()
	err2 := s.db.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) get(uuid string) (Entry, bool, error) {
	v, err := s.db.Get([]byte(uuid), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) put(e Entry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(e.UUID), v, nil)
}

// AddDirectPatch registers (lazily creating) a patch from oldHash to
// newHash and bumps matching copy references for both endpoints, per
// spec §4.2 add_direct_patch. AddReversePatch is its mirror image (new
// to old).
func (s *Store) AddDirectPatch(ctx context.Context, uuid, newHash, oldHash string, size int64, active, postponed bool) error {
	return s.addPatch(ctx, uuid, newHash, oldHash, size, active, postponed, true)
}

func (s *Store) AddReversePatch(ctx context.Context, uuid, newHash, oldHash string, size int64, active, postponed bool) error {
	return s.addPatch(ctx, uuid, newHash, oldHash, size, active, postponed, false)
}

func (s *Store) addPatch(ctx context.Context, uuid, newHash, oldHash string, size int64, active, postponed, direct bool) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if postponed {
		d := s.postponed[uuid]
		if direct {
			d.direct++
		} else {
			d.reverse++
		}
		d.active = &active
		s.postponed[uuid] = d
		return nil
	}

	e, found, err := s.get(uuid)
	if err != nil {
		return err
	}
	if !found {
		e = Entry{UUID: uuid, OldHash: oldHash, NewHash: newHash, Size: size}
	}
	e.Active = active
	if direct {
		e.DirectCount++
	} else {
		e.ReverseCount++
	}
	if err := s.put(e); err != nil {
		return err
	}

	// Hold endpoint copy references until the patch is materialised on
	// disk (on_patch_registered releases them): this guarantees local
	// synthesis remains possible even if nothing else references the
	// endpoints in the meantime.
	if !e.Exist {
		if err := s.copies.AddReference(ctx, oldHash, copystore.ReasonPatchEndpoint, false); err != nil {
			return err
		}
		if err := s.copies.AddReference(ctx, newHash, copystore.ReasonPatchEndpoint, false); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirectPatch/RemoveReversePatch decrement the matching count;
// when both reach zero, the patch file and its endpoint references are
// removed symmetrically with their creation (spec §4.2
// remove_direct_patch).
func (s *Store) RemoveDirectPatch(ctx context.Context, uuid string, postponed bool) error {
	return s.removePatch(ctx, uuid, postponed, true)
}

func (s *Store) RemoveReversePatch(ctx context.Context, uuid string, postponed bool) error {
	return s.removePatch(ctx, uuid, postponed, false)
}

func (s *Store) removePatch(ctx context.Context, uuid string, postponed, direct bool) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if postponed {
		d := s.postponed[uuid]
		if direct {
			d.direct--
		} else {
			d.reverse--
		}
		s.postponed[uuid] = d
		return nil
	}

	e, found, err := s.get(uuid)
	if err != nil {
		return err
	}
	if !found {
		return perrors.ErrPatchDoesNotExist
	}
	if direct {
		e.DirectCount--
	} else {
		e.ReverseCount--
	}
	if e.refsHeld() {
		return s.put(e)
	}

	if e.Exist {
		if err := s.bucket.Delete(ctx, uuid); err != nil && !s.bucket.IsNotExist(err) {
			return err
		}
	}
	if !e.Exist {
		if _, err := s.copies.RemoveReference(ctx, e.OldHash, copystore.ReasonPatchEndpoint, false); err != nil {
			l.Warnf("releasing old-hash reference for patch %s: %v", uuid, err)
		}
		if _, err := s.copies.RemoveReference(ctx, e.NewHash, copystore.ReasonPatchEndpoint, false); err != nil {
			l.Warnf("releasing new-hash reference for patch %s: %v", uuid, err)
		}
	}
	return s.db.Delete([]byte(uuid), nil)
}

// CommitPostponed applies all accumulated postponed deltas in one
// transaction, collapsing add+remove pairs (spec §4.2
// commit_last_changes).
func (s *Store) CommitPostponed(ctx context.Context) error {
	s.mut.Lock()
	pending := s.postponed
	s.postponed = make(map[string]delta)
	s.mut.Unlock()

	for uuid, d := range pending {
		e, found, err := s.get(uuid)
		if err != nil {
			return err
		}
		if !found {
			continue // a bare remove with no matching add; nothing to collapse
		}
		e.DirectCount += d.direct
		e.ReverseCount += d.reverse
		if d.active != nil {
			e.Active = *d.active
		}
		if !e.refsHeld() {
			s.mut.Lock()
			if e.Exist {
				if err := s.bucket.Delete(ctx, uuid); err != nil && !s.bucket.IsNotExist(err) {
					s.mut.Unlock()
					return err
				}
			}
			err := s.db.Delete([]byte(uuid), nil)
			s.mut.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		s.mut.Lock()
		err = s.put(e)
		s.mut.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// OnPatchRegistered flips exist = true and releases the endpoint-copy
// references that were held to guarantee synthesis remained possible
// (spec §4.2 on_patch_registered).
func (s *Store) OnPatchRegistered(ctx context.Context, uuid string) error {
	s.mut.Lock()
	e, found, err := s.get(uuid)
	if err != nil {
		s.mut.Unlock()
		return err
	}
	if !found {
		s.mut.Unlock()
		return perrors.ErrPatchDoesNotExist
	}
	if e.Exist {
		s.mut.Unlock()
		return nil
	}
	e.Exist = true
	err = s.put(e)
	s.mut.Unlock()
	if err != nil {
		return err
	}

	if _, err := s.copies.RemoveReference(ctx, e.OldHash, copystore.ReasonPatchEndpoint, false); err != nil {
		l.Warnf("releasing synthesis-hold old-hash reference for patch %s: %v", uuid, err)
	}
	if _, err := s.copies.RemoveReference(ctx, e.NewHash, copystore.ReasonPatchEndpoint, false); err != nil {
		l.Warnf("releasing synthesis-hold new-hash reference for patch %s: %v", uuid, err)
	}
	return nil
}

// Materialize writes a ready-made patch archive for uuid and marks it
// registered.
func (s *Store) Materialize(ctx context.Context, uuid string, archive []byte) error {
	w, err := s.bucket.NewWriter(ctx, uuid, nil)
	if err != nil {
		return err
	}
	if _, err := w.Write(archive); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return s.OnPatchRegistered(ctx, uuid)
}

// Archive returns the patch archive bytes for uuid.
func (s *Store) Archive(ctx context.Context, uuid string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, uuid, nil)
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return nil, perrors.ErrPatchDoesNotExist
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Get returns the current metadata row for uuid.
func (s *Store) Get(uuid string) (Entry, bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.get(uuid)
}

// SynthesisPriority reports the download priority a missing, active
// patch should be requested at, derived from whether it's a direct or
// reverse reference and whether anything currently wants it (spec
// §4.5 download priorities, used by check_patches).
func SynthesisPriority(e Entry) int {
	const (
		wantedDirectPatch = 1000
		reversedPatch     = 100
		directPatch       = 10
	)
	switch {
	case e.DirectCount > 0 && e.Active:
		return wantedDirectPatch
	case e.ReverseCount > 0:
		return reversedPatch
	default:
		return directPatch
	}
}

// CheckPatches performs one background pass (spec §4.2 check_patches):
// for every active patch whose archive is absent, attempt local
// synthesis if both endpoint copies are present; otherwise report it
// via request so the caller can schedule a download through the
// Download Manager (H) at SynthesisPriority(e).
func (s *Store) CheckPatches(ctx context.Context, request func(e Entry, priority int)) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var pending []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Active && !e.Exist {
			pending = append(pending, e)
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	present := func(hash string) (bool, error) {
		if hash == rsync.EmptyFileHash {
			return true, nil
		}
		_, err := s.copies.Size(ctx, hash)
		if errors.Is(err, perrors.ErrCopyDoesNotExist) {
			return false, nil
		}
		return err == nil, err
	}
	for _, e := range pending {
		oldOK, err := present(e.OldHash)
		if err != nil {
			return err
		}
		newOK, err := present(e.NewHash)
		if err != nil {
			return err
		}
		if oldOK && newOK {
			if err := s.synthesize(ctx, e); err != nil {
				l.Warnf("synthesizing patch %s: %v", e.UUID, err)
			}
			continue
		}
		if request != nil {
			request(e, SynthesisPriority(e))
		}
	}
	return nil
}

func (s *Store) synthesize(ctx context.Context, e Entry) error {
	oldR, err := s.copies.OpenReader(ctx, e.OldHash)
	if err != nil {
		return err
	}
	oldData, err := io.ReadAll(oldR)
	oldR.Close()
	if err != nil {
		return err
	}

	newR, err := s.copies.OpenReader(ctx, e.NewHash)
	if err != nil {
		return err
	}
	newData, err := io.ReadAll(newR)
	newR.Close()
	if err != nil {
		return err
	}

	oldBlocks, err := rsync.Signature(bytes.NewReader(oldData), rsync.BlockSize)
	if err != nil {
		return err
	}
	archive, _, err := rsync.CreatePatch(newData, e.OldHash, oldData, oldBlocks, rsync.BlockSize)
	if err != nil {
		return err
	}
	return s.Materialize(ctx, e.UUID, archive)
}
