// Package availability implements the Availability Subscriptions
// component (spec §4.7, component G): a supplier side that answers
// "what do you have, and keep me posted" for an object, and a consumer
// side that aggregates what every known peer currently offers for an
// object the Download Manager (H) wants. The supplier's subscriber
// registry is a lock-free map, since it is hit from every connectivity
// goroutine concurrently; the consumer's peer registry is a map guarded
// by a mutex.
package availability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("availability", "Availability subscriptions between peers")

// ObjType mirrors spec §6 obj_type.
type ObjType int

const (
	ObjFile  ObjType = 1
	ObjPatch ObjType = 2
)

func (t ObjType) String() string {
	switch t {
	case ObjFile:
		return "file"
	case ObjPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// ObjID identifies one downloadable object: a file's current event
// uuid, or a patch's uuid.
type ObjID struct {
	Type ObjType
	ID   string
}

func (o ObjID) String() string { return fmt.Sprintf("%s:%s", o.Type, o.ID) }

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// MergeRanges sorts and coalesces overlapping/adjacent ranges, per
// spec §4.7's "sorted non-overlapping ranges" requirement.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Offset <= last.Offset+last.Length {
			if end := r.Offset + r.Length; end > last.Offset+last.Length {
				last.Length = end - last.Offset
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// FailureCode mirrors spec §4.7's availability_info_failure reasons.
type FailureCode int

const (
	FileChanged FailureCode = iota
	UnknownEventUUID
	FileNotRegistered
)

func (c FailureCode) String() string {
	switch c {
	case FileChanged:
		return "FILE_CHANGED"
	case UnknownEventUUID:
		return "UNKNOWN_EVENT_UUID"
	case FileNotRegistered:
		return "FILE_NOT_REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// FailureErr wraps a FailureCode as an error for channel delivery.
type FailureErr struct {
	Code FailureCode
	Err  error
}

func (e *FailureErr) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *FailureErr) Unwrap() error { return e.Err }

// Source is the local content backing a Supplier — implemented by
// lib/orchestrator's storeSource adapter over the Copies and Patches
// stores.
type Source interface {
	Ranges(ctx context.Context, obj ObjID) ([]Range, error)
	ReadAt(ctx context.Context, obj ObjID, offset, length int64) ([]byte, error)
}

type subscription struct {
	updates  chan []Range
	failures chan *FailureErr
}

// Supplier answers availability_info_request/data_request for objects
// backed by Source, and fans out announce/fail notifications to every
// subscriber when local state changes.
type Supplier struct {
	source Source
	subs   *xsync.MapOf[ObjID, *xsync.MapOf[uint64, *subscription]]
	nextID atomic.Uint64
}

// NewSupplier creates a Supplier reading content from source.
func NewSupplier(source Source) *Supplier {
	return &Supplier{
		source: source,
		subs:   xsync.NewMapOf[ObjID, *xsync.MapOf[uint64, *subscription]](),
	}
}

// Subscribe registers interest in obj (availability_info_request),
// returning the initial range snapshot synchronously and an id used to
// later Unsubscribe. Updates and failures stream on the two channels
// until Unsubscribe is called; delivering a failure does not remove the
// subscription.
func (s *Supplier) Subscribe(ctx context.Context, obj ObjID) (id uint64, updates <-chan []Range, failures <-chan *FailureErr, err error) {
	ranges, err := s.source.Ranges(ctx, obj)
	if err != nil {
		return 0, nil, nil, err
	}

	sub := &subscription{updates: make(chan []Range, 8), failures: make(chan *FailureErr, 1)}
	id = s.nextID.Add(1)
	perObj, _ := s.subs.LoadOrCompute(obj, func() *xsync.MapOf[uint64, *subscription] {
		return xsync.NewMapOf[uint64, *subscription]()
	})
	perObj.Store(id, sub)

	sub.updates <- MergeRanges(ranges)
	return id, sub.updates, sub.failures, nil
}

// Unsubscribe ends interest in obj (availability_info_abort).
func (s *Supplier) Unsubscribe(obj ObjID, id uint64) {
	if perObj, ok := s.subs.Load(obj); ok {
		perObj.Delete(id)
	}
}

// Announce pushes a new range snapshot to every subscriber of obj;
// called whenever local state changes (a new chunk lands).
func (s *Supplier) Announce(obj ObjID, ranges []Range) {
	perObj, ok := s.subs.Load(obj)
	if !ok {
		return
	}
	merged := MergeRanges(ranges)
	perObj.Range(func(id uint64, sub *subscription) bool {
		select {
		case sub.updates <- merged:
		default:
			l.Debugf("subscriber %d for %s is slow, dropping an update", id, obj)
		}
		return true
	})
}

// Fail notifies every subscriber of obj that it has failed (e.g. the
// file changed underneath them, or the uuid is unknown).
func (s *Supplier) Fail(obj ObjID, code FailureCode, cause error) {
	perObj, ok := s.subs.Load(obj)
	if !ok {
		return
	}
	fe := &FailureErr{Code: code, Err: cause}
	perObj.Range(func(id uint64, sub *subscription) bool {
		select {
		case sub.failures <- fe:
		default:
		}
		return true
	})
}

// Retarget handles the supplier contract from spec §4.7: when an
// object's underlying identity changes from oldObj to newObj (e.g. a
// file's head event uuid advances), every oldObj subscriber is failed
// with UnknownEventUUID and newObj's current subscribers (if any) are
// re-announced against fresh Ranges.
func (s *Supplier) Retarget(ctx context.Context, oldObj, newObj ObjID) error {
	s.Fail(oldObj, UnknownEventUUID, nil)
	s.subs.Delete(oldObj)

	if _, ok := s.subs.Load(newObj); !ok {
		return nil
	}
	ranges, err := s.source.Ranges(ctx, newObj)
	if err != nil {
		return err
	}
	s.Announce(newObj, ranges)
	return nil
}

// HandleDataRequest serves one data_request: reads the requested range
// from Source and compresses it for the wire (spec §4.6's
// "Chunk payload compression" domain-stack entry).
func (s *Supplier) HandleDataRequest(ctx context.Context, obj ObjID, offset, length int64) ([]byte, error) {
	raw, err := s.source.ReadAt(ctx, obj, offset, length)
	if err != nil {
		return nil, err
	}
	return CompressChunk(raw)
}

// CompressChunk lz4-compresses one data_response payload.
func CompressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}

// Consumer aggregates what every known peer offers for objects this
// node wants, feeding the Download Manager's scheduler.
type Consumer struct {
	mut     syncutil.Mutex
	offered map[ObjID]map[string][]Range
}

// NewConsumer creates an empty Consumer.
func NewConsumer() *Consumer {
	return &Consumer{offered: make(map[ObjID]map[string][]Range)}
}

// HandleResponse records peer's advertised ranges for obj
// (availability_info_response).
func (c *Consumer) HandleResponse(peer string, obj ObjID, ranges []Range) {
	c.mut.Lock()
	defer c.mut.Unlock()
	byPeer, ok := c.offered[obj]
	if !ok {
		byPeer = make(map[string][]Range)
		c.offered[obj] = byPeer
	}
	byPeer[peer] = MergeRanges(ranges)
}

// HandleFailure drops peer's offer for obj (availability_info_failure).
func (c *Consumer) HandleFailure(peer string, obj ObjID, code FailureCode) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if byPeer, ok := c.offered[obj]; ok {
		delete(byPeer, peer)
	}
	l.Debugf("peer %s reported %s for %s", peer, code, obj)
}

// Abort forgets obj entirely (availability_info_abort, our own side).
func (c *Consumer) Abort(obj ObjID) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.offered, obj)
}

// PeerRanges returns a snapshot of every peer's currently-offered
// ranges for obj.
func (c *Consumer) PeerRanges(obj ObjID) map[string][]Range {
	c.mut.Lock()
	defer c.mut.Unlock()
	byPeer, ok := c.offered[obj]
	if !ok {
		return nil
	}
	out := make(map[string][]Range, len(byPeer))
	for peer, ranges := range byPeer {
		cp := make([]Range, len(ranges))
		copy(cp, ranges)
		out[peer] = cp
	}
	return out
}
