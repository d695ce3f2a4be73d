package eventdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greatroar/blobloom"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("eventdb", "Per-file event chain storage")

// Key prefixes, following the teacher's flat single-byte-prefix leveldb
// schema (internal/db/leveldb.go).
const (
	prefixFile      = 'f' // f<id:8>                 -> FileRecord
	prefixPath      = 'p' // p<relative_path>         -> id:8
	prefixFileSeq   = 's' // singleton counter key
	prefixEvent     = 'e' // e<fileID:8><svrID:8>     -> EventRecord
	prefixEventUUID = 'u' // u<uuid>                  -> fileID:8 ++ svrID:8
	prefixGlobal    = 'g' // g<svrID:8>               -> fileID:8
	prefixHead      = 'h' // h<fileID:8>              -> uuid
)

// Store is the Event Database.
type Store struct {
	mut        syncutil.Mutex
	db         *leveldb.DB
	hashFilter *blobloom.Filter
}

// Open opens (creating if necessary) an Event Database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("eventdb: opening db: %w", err)
	}
	hf, err := newHashFilter(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventdb: building hash filter: %w", err)
	}
	return &Store{mut: syncutil.NewMutex(), db: db, hashFilter: hf}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func fileKey(id int64) []byte {
	k := make([]byte, 9)
	k[0] = prefixFile
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

func pathKey(path string) []byte {
	return append([]byte{prefixPath}, []byte(path)...)
}

func eventKey(fileID, serverEventID int64) []byte {
	k := make([]byte, 17)
	k[0] = prefixEvent
	binary.BigEndian.PutUint64(k[1:9], uint64(fileID))
	binary.BigEndian.PutUint64(k[9:], uint64(serverEventID))
	return k
}

func eventUUIDKey(uuid string) []byte {
	return append([]byte{prefixEventUUID}, []byte(uuid)...)
}

func globalKey(serverEventID int64) []byte {
	k := make([]byte, 9)
	k[0] = prefixGlobal
	binary.BigEndian.PutUint64(k[1:], uint64(serverEventID))
	return k
}

func headKey(fileID int64) []byte {
	k := make([]byte, 9)
	k[0] = prefixHead
	binary.BigEndian.PutUint64(k[1:], uint64(fileID))
	return k
}

// CreateFile inserts a new FileRecord, assigning it a stable local id.
// Returns perrors.ErrEventAlreadyAdded if relative_path is already in
// use by a live record, per the FileRecord uniqueness invariant.
func (s *Store) CreateFile(rec FileRecord) (int64, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, err := s.db.Get(pathKey(rec.RelativePath), nil); err == nil {
		return 0, fmt.Errorf("%w: path %q already tracked", perrors.ErrEventAlreadyAdded, rec.RelativePath)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return 0, err
	}

	id, err := s.nextFileID()
	if err != nil {
		return 0, err
	}
	rec.ID = id

	batch := new(leveldb.Batch)
	v, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	batch.Put(fileKey(id), v)
	batch.Put(pathKey(rec.RelativePath), encodeID(id))
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	if rec.FileHash != "" {
		s.hashFilter.Add(hashFilterKey(rec.FileHash))
	}
	return id, nil
}

func (s *Store) nextFileID() (int64, error) {
	v, err := s.db.Get([]byte{prefixFileSeq}, nil)
	var next int64 = 1
	if err == nil {
		next = decodeID(v) + 1
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return 0, err
	}
	if err := s.db.Put([]byte{prefixFileSeq}, encodeID(next), nil); err != nil {
		return 0, err
	}
	return next, nil
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// GetFile returns the FileRecord with the given id.
func (s *Store) GetFile(id int64) (FileRecord, bool, error) {
	v, err := s.db.Get(fileKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	var rec FileRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

// GetFileByPath looks up a FileRecord by its relative_path.
func (s *Store) GetFileByPath(path string) (FileRecord, bool, error) {
	v, err := s.db.Get(pathKey(path), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return s.GetFile(decodeID(v))
}

// ListByPathPrefix returns every FileRecord whose relative_path starts
// with prefix, used by the pipeline's folder move/delete cascade (spec
// §4.1 stage 16) to find descendants of a renamed or removed folder.
func (s *Store) ListByPathPrefix(prefix string) ([]FileRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(pathKey(prefix)), nil)
	defer iter.Release()

	var recs []FileRecord
	for iter.Next() {
		rec, found, err := s.GetFile(decodeID(iter.Value()))
		if err != nil {
			return nil, err
		}
		if found {
			recs = append(recs, rec)
		}
	}
	return recs, iter.Error()
}

// FindByHash does a linear scan for a live, non-excluded FileRecord
// whose cached content hash equals hash. Used by the Quiet Processor's
// local-dedup path (lib/quiet) to avoid a network download when
// another tracked file already holds the wanted content; callers must
// re-verify against the live file, since the cached hash can be stale.
// A bloom-filter prefilter (hashFilter) skips the scan outright when
// hash was never seen by this store; a positive still falls through to
// the scan below, since the filter can't confirm, only rule out.
func (s *Store) FindByHash(hash string) (FileRecord, bool, error) {
	if !s.hashFilter.Has(hashFilterKey(hash)) {
		return FileRecord{}, false, nil
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixFile}), nil)
	defer iter.Release()

	for iter.Next() {
		var rec FileRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return FileRecord{}, false, err
		}
		if !rec.IsFolder && !rec.Excluded && rec.FileHash == hash {
			return rec, true, nil
		}
	}
	return FileRecord{}, false, iter.Error()
}

// GetFileByEventsFileID does a linear scan for the FileRecord carrying
// the given authoritative events_file_id, the Event Queue Processor's
// preferred resolution for a remote event (spec §4.5 step 1) before it
// falls back to resolving by path.
func (s *Store) GetFileByEventsFileID(id string) (FileRecord, bool, error) {
	if id == "" {
		return FileRecord{}, false, nil
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixFile}), nil)
	defer iter.Release()

	for iter.Next() {
		var rec FileRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return FileRecord{}, false, err
		}
		if rec.EventsFileID == id {
			return rec, true, nil
		}
	}
	return FileRecord{}, false, iter.Error()
}

// UpdateFile rewrites the stored FileRecord. If RelativePath changed,
// the path index is updated to match (a MOVE); events_file_id, once
// set, may not be cleared.
func (s *Store) UpdateFile(rec FileRecord) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	old, found, err := s.GetFile(rec.ID)
	if err != nil {
		return err
	}
	if !found {
		return perrors.ErrFileNotFound
	}
	if old.EventsFileID != "" && rec.EventsFileID != old.EventsFileID {
		return fmt.Errorf("%w: events_file_id is immutable once set", perrors.ErrWrongFileID)
	}

	batch := new(leveldb.Batch)
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch.Put(fileKey(rec.ID), v)
	if old.RelativePath != rec.RelativePath {
		batch.Delete(pathKey(old.RelativePath))
		batch.Put(pathKey(rec.RelativePath), encodeID(rec.ID))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	if rec.FileHash != "" {
		// blobloom has no remove; a stale hash from before an update
		// just stays a harmless always-false-positive-candidate entry.
		s.hashFilter.Add(hashFilterKey(rec.FileHash))
	}
	return nil
}

// DeleteFile removes a FileRecord and its path index entry. Events on
// its chain are left for the old-event reaper to clean up.
func (s *Store) DeleteFile(id int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	rec, found, err := s.GetFile(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(fileKey(id))
	batch.Delete(pathKey(rec.RelativePath))
	return s.db.Write(batch, nil)
}

// PutEvent inserts or overwrites an EventRecord. If it transitions to
// Applied state, the file's head pointer is updated.
func (s *Store) PutEvent(ev EventRecord) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	batch := new(leveldb.Batch)
	v, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	batch.Put(eventKey(ev.FileID, ev.ServerEventID), v)
	batch.Put(eventUUIDKey(ev.UUID), append(encodeID(ev.FileID), encodeID(ev.ServerEventID)...))
	batch.Put(globalKey(ev.ServerEventID), encodeID(ev.FileID))
	if ev.State == Applied {
		batch.Put(headKey(ev.FileID), []byte(ev.UUID))
	}
	return s.db.Write(batch, nil)
}

// GetEventByUUID looks up an EventRecord by its client-assigned uuid.
func (s *Store) GetEventByUUID(uuid string) (EventRecord, bool, error) {
	v, err := s.db.Get(eventUUIDKey(uuid), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return EventRecord{}, false, nil
	}
	if err != nil {
		return EventRecord{}, false, err
	}
	fileID := decodeID(v[:8])
	svrID := decodeID(v[8:])
	return s.getEvent(fileID, svrID)
}

func (s *Store) getEvent(fileID, serverEventID int64) (EventRecord, bool, error) {
	v, err := s.db.Get(eventKey(fileID, serverEventID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return EventRecord{}, false, nil
	}
	if err != nil {
		return EventRecord{}, false, err
	}
	var ev EventRecord
	if err := json.Unmarshal(v, &ev); err != nil {
		return EventRecord{}, false, err
	}
	return ev, true, nil
}

// Head returns the current head event (state = applied) for a file.
func (s *Store) Head(fileID int64) (EventRecord, bool, error) {
	v, err := s.db.Get(headKey(fileID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return EventRecord{}, false, nil
	}
	if err != nil {
		return EventRecord{}, false, err
	}
	return s.GetEventByUUID(string(v))
}

// EventsForFile returns every EventRecord on a file's chain, in
// ascending server_event_id order.
func (s *Store) EventsForFile(fileID int64) ([]EventRecord, error) {
	prefix := make([]byte, 9)
	prefix[0] = prefixEvent
	binary.BigEndian.PutUint64(prefix[1:], uint64(fileID))

	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var events []EventRecord
	for iter.Next() {
		var ev EventRecord
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

// EventsSince returns up to limit EventRecords with server_event_id >
// watermark, in ascending order, for replay to a reconnecting peer or
// after a local restart. limit <= 0 means unlimited.
func (s *Store) EventsSince(watermark int64, limit int) ([]EventRecord, error) {
	start := globalKey(watermark + 1)
	end := []byte{prefixGlobal + 1}
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()

	var events []EventRecord
	for iter.Next() {
		fileID := decodeID(iter.Value())
		svrID := decodeID(iter.Key()[1:])
		ev, found, err := s.getEvent(fileID, svrID)
		if err != nil {
			return nil, err
		}
		if found {
			events = append(events, ev)
		}
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, iter.Error()
}

// ReapOldEvents implements the old-event reaper (spec §4.3): given the
// server_event_id of the earliest retained event (the watermark), find
// every file whose head is a DELETE at or before the watermark, remove
// those files and their full chains (releasing copy references for
// every endpoint hash along the way), and trim surviving files' chains
// down to events at or after the watermark.
func (s *Store) ReapOldEvents(ctx context.Context, watermark int64, copies *copystore.Store) (removedFiles int, err error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixEvent}), nil)
	defer iter.Release()

	// Chains are enumerated from the event keys rather than the file
	// rows, so chains whose FileRecord DeleteFile already removed are
	// reaped too.
	var fileIDs []int64
	for iter.Next() {
		id := decodeID(iter.Key()[1:9])
		if n := len(fileIDs); n == 0 || fileIDs[n-1] != id {
			fileIDs = append(fileIDs, id)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}

	for _, fileID := range fileIDs {
		events, err := s.EventsForFile(fileID)
		if err != nil {
			return removedFiles, err
		}
		if len(events) == 0 {
			continue
		}
		head := events[len(events)-1]

		if head.Type == Delete && head.ServerEventID <= watermark {
			for _, ev := range events {
				releaseEventEndpoints(ctx, copies, ev, l)
			}
			if err := s.removeFileAndChain(fileID, events); err != nil {
				return removedFiles, err
			}
			removedFiles++
			continue
		}

		if err := s.trimChain(fileID, events, watermark); err != nil {
			return removedFiles, err
		}
	}
	if err := copies.CommitPostponed(ctx); err != nil {
		return removedFiles, err
	}
	return removedFiles, nil
}

func releaseEventEndpoints(ctx context.Context, copies *copystore.Store, ev EventRecord, log logger.Logger) {
	for _, hash := range []string{ev.FileHash, ev.FileHashBeforeEvent} {
		if hash == "" {
			continue
		}
		if _, err := copies.RemoveReference(ctx, hash, copystore.ReasonEventEndpoint, true); err != nil {
			log.Warnf("releasing event endpoint reference for %s: %v", hash, err)
		}
	}
}

func (s *Store) removeFileAndChain(fileID int64, events []EventRecord) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	batch := new(leveldb.Batch)
	for _, ev := range events {
		batch.Delete(eventKey(fileID, ev.ServerEventID))
		batch.Delete(eventUUIDKey(ev.UUID))
		batch.Delete(globalKey(ev.ServerEventID))
	}
	batch.Delete(headKey(fileID))

	rec, found, err := s.GetFile(fileID)
	if err != nil {
		return err
	}
	if found {
		batch.Delete(fileKey(fileID))
		batch.Delete(pathKey(rec.RelativePath))
	}
	return s.db.Write(batch, nil)
}

func (s *Store) trimChain(fileID int64, events []EventRecord, watermark int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	batch := new(leveldb.Batch)
	trimmed := 0
	for _, ev := range events {
		if ev.ServerEventID < watermark {
			batch.Delete(eventKey(fileID, ev.ServerEventID))
			batch.Delete(eventUUIDKey(ev.UUID))
			batch.Delete(globalKey(ev.ServerEventID))
			trimmed++
		}
	}
	if trimmed == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}
