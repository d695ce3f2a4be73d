// Package download implements the Download Manager (spec §4.6,
// component H): a priority scheduler over DownloadTasks, a sparse
// range-request loop per active task with end-race duplicate-request
// handling, and the symmetric upload/supplier side served through
// lib/availability.
package download

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/rsync"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("download", "Chunked swarm download scheduling")

// Priority levels, highest wins (spec §4.6).
const (
	PriorityFile              = 10000
	PriorityImportant         = 9500
	PriorityWantedDirectPatch = 1000
	PriorityReversedPatch     = 100
	PriorityDirectPatch       = 10
)

// Tuning constants; named after their spec counterparts.
const (
	PartSize            = 256 * 1024
	ChunkSize           = 16 * 1024
	MaxNodeChunkReqs    = 4
	ReceiveTimeout      = 30 * time.Second
	TimeoutsLimit       = 3
	EndRaceTimeout      = 5 * time.Second
	RetryLimit          = 3
	RetryDownloadTimeout = time.Minute
)

// Peer abstracts the connectivity layer's per-peer request API, kept
// narrow so the scheduler does not import lib/connectivity directly.
type Peer interface {
	ID() string
	RequestData(ctx context.Context, obj availability.ObjID, offset, length int64) ([]byte, error)
}

// Task is one DownloadTask: the scheduler's unit of work.
type Task struct {
	Obj      availability.ObjID
	FilePath string
	Size     int64
	Priority int
	FileHash string // verified on completion, if set

	Done   chan error // closed/sent-to on completion or final failure

	mut         syncutil.Mutex
	wanted      []availability.Range
	downloaded  []availability.Range
	requested   map[string][]availability.Range // per peer
	received    int64
	peerTimeouts map[string]int
	lastReceive map[string]time.Time
	retries     int
	file        *os.File
	consumer    *availability.Consumer
}

func newTask(obj availability.ObjID, filePath string, size int64, priority int, fileHash string, consumer *availability.Consumer) *Task {
	return &Task{
		Obj:          obj,
		FilePath:     filePath,
		Size:         size,
		Priority:     priority,
		FileHash:     fileHash,
		Done:         make(chan error, 1),
		wanted:       []availability.Range{{Offset: 0, Length: size}},
		requested:    make(map[string][]availability.Range),
		peerTimeouts: make(map[string]int),
		lastReceive:  make(map[string]time.Time),
		consumer:     consumer,
		mut:          syncutil.NewMutex(),
	}
}

// remaining returns the wanted ranges minus what's already downloaded
// or in flight to any peer.
func (t *Task) remaining() []availability.Range {
	t.mut.Lock()
	defer t.mut.Unlock()
	return subtractAll(t.wanted, t.downloaded, t.allRequestedLocked())
}

func (t *Task) allRequestedLocked() []availability.Range {
	var all []availability.Range
	for _, rs := range t.requested {
		all = append(all, rs...)
	}
	return availability.MergeRanges(all)
}

func subtractAll(base []availability.Range, subs ...[]availability.Range) []availability.Range {
	result := availability.MergeRanges(base)
	for _, s := range subs {
		result = subtract(result, s)
	}
	return result
}

// subtract removes every range in subs from base, assuming both are
// sorted/merged already.
func subtract(base, subs []availability.Range) []availability.Range {
	merged := availability.MergeRanges(subs)
	var out []availability.Range
	for _, b := range base {
		cur := []availability.Range{b}
		for _, s := range merged {
			var next []availability.Range
			for _, c := range cur {
				next = append(next, splitOut(c, s)...)
			}
			cur = next
		}
		out = append(out, cur...)
	}
	return availability.MergeRanges(out)
}

func splitOut(r, hole availability.Range) []availability.Range {
	rEnd, hEnd := r.Offset+r.Length, hole.Offset+hole.Length
	if hole.Offset >= rEnd || hEnd <= r.Offset {
		return []availability.Range{r}
	}
	var out []availability.Range
	if hole.Offset > r.Offset {
		out = append(out, availability.Range{Offset: r.Offset, Length: hole.Offset - r.Offset})
	}
	if hEnd < rEnd {
		out = append(out, availability.Range{Offset: hEnd, Length: rEnd - hEnd})
	}
	return out
}

func intersect(a, b availability.Range) (availability.Range, bool) {
	start := a.Offset
	if b.Offset > start {
		start = b.Offset
	}
	end := a.Offset + a.Length
	if bEnd := b.Offset + b.Length; bEnd < end {
		end = bEnd
	}
	if end <= start {
		return availability.Range{}, false
	}
	return availability.Range{Offset: start, Length: end - start}, true
}

// endRaceEligible reports whether the task has requested or received
// at least its whole size, the trigger for end-race mode (spec §4.6).
func (t *Task) endRaceEligible() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	requestedLen := int64(0)
	for _, r := range t.allRequestedLocked() {
		requestedLen += r.Length
	}
	return requestedLen+t.received >= t.Size
}

// readyItem is one entry in the scheduler's priority heap.
type readyItem struct {
	task  *Task
	index int
}

type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	ri, rj := remainingLen(h[i].task), remainingLen(h[j].task)
	if ri != rj {
		return ri < rj
	}
	return h[i].task.Obj.ID < h[j].task.Obj.ID
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *readyHeap) Push(x any) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func remainingLen(t *Task) int64 {
	var n int64
	for _, r := range t.remaining() {
		n += r.Length
	}
	return n
}

// Scheduler runs at most one "current" task at a time so disk
// bandwidth is not fragmented (spec §4.6).
type Scheduler struct {
	Consumer *availability.Consumer
	Limiter  *rate.Limiter

	// OnPeerDropped, if set, is called once a peer has exceeded
	// TimeoutsLimit on some task (spec §4.6 step 5: "drop the peer
	// from the task and reconnect"). The connectivity layer wires
	// this to tear down that peer's Session.
	OnPeerDropped func(peerID string)

	mut     syncutil.Mutex
	tasks   map[string]*Task // keyed by Obj.String()
	ready   readyHeap
	current *Task

	stop chan struct{}
}

// NewScheduler creates a Scheduler with a token-bucket rate limiter
// (spec §4.6 step 7, "a token-bucket (leaky bucket) guards request
// issuance").
func NewScheduler(consumer *availability.Consumer, bytesPerSec int) *Scheduler {
	return &Scheduler{
		Consumer: consumer,
		Limiter:  rate.NewLimiter(rate.Limit(bytesPerSec), ChunkSize*4),
		tasks:    make(map[string]*Task),
		stop:     make(chan struct{}),
	}
}

// AddTask registers a new DownloadTask (spec §4.6 step 1).
func (s *Scheduler) AddTask(obj availability.ObjID, filePath string, size int64, priority int, fileHash string) (*Task, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	key := obj.String()
	if existing, ok := s.tasks[key]; ok {
		return existing, nil
	}

	free, err := diskFree(filePath)
	if err == nil && free < 2*size {
		return nil, perrors.ErrNoDiskSpace
	}

	t := newTask(obj, filePath, size, priority, fileHash, s.Consumer)
	s.tasks[key] = t
	return t, nil
}

// ActiveCount returns the number of tasks the scheduler currently
// holds, running or ready — the Sync Orchestrator (J) uses this to
// derive the IN_WORK/INDEXING/WAIT status machine (spec §4.8).
func (s *Scheduler) ActiveCount() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.tasks)
}

// OnAvailability is called when G's consumer records new peer ranges
// for obj: the first usable range for a task marks it ready (spec §4.6
// step 2).
func (s *Scheduler) OnAvailability(obj availability.ObjID) {
	s.mut.Lock()
	defer s.mut.Unlock()

	t, ok := s.tasks[obj.String()]
	if !ok {
		return
	}
	if len(s.Consumer.PeerRanges(obj)) == 0 {
		return
	}
	for _, item := range s.ready {
		if item.task == t {
			return
		}
	}
	if s.current == t {
		return
	}
	heap.Push(&s.ready, &readyItem{task: t})
}

// Schedule picks the next task to run, preempting the current one only
// on a strict priority increase (spec §4.6, "Only one task is current").
func (s *Scheduler) Schedule() *Task {
	s.mut.Lock()
	defer s.mut.Unlock()

	if len(s.ready) == 0 {
		return s.current
	}
	top := s.ready[0]
	if s.current == nil {
		heap.Pop(&s.ready)
		s.current = top.task
		return s.current
	}
	if top.task.Priority > s.current.Priority {
		heap.Pop(&s.ready)
		heap.Push(&s.ready, &readyItem{task: s.current})
		s.current = top.task
		return s.current
	}
	return s.current
}

// IssueRequests drives one pass of the sparse-request loop (spec §4.6
// step 3) for the current task, asking peer via RequestData and
// feeding results back through HandleChunk.
func (s *Scheduler) IssueRequests(ctx context.Context, t *Task, peers []Peer) error {
	remaining := t.remaining()
	if len(remaining) == 0 {
		return nil
	}
	endRace := t.endRaceEligible()

	for _, peer := range peers {
		t.mut.Lock()
		inFlight := len(t.requested[peer.ID()])
		lastRecv, hasLastRecv := t.lastReceive[peer.ID()]
		t.mut.Unlock()
		if inFlight >= MaxNodeChunkReqs {
			continue
		}

		offered := s.Consumer.PeerRanges(t.Obj)[peer.ID()]
		if len(offered) == 0 {
			continue
		}

		candidates := intersectAll(offered, remaining)
		if len(candidates) == 0 {
			if !endRace {
				continue
			}
			if hasLastRecv && time.Since(lastRecv) < EndRaceTimeout {
				continue
			}
			candidates = intersectAll(offered, t.wanted)
			if len(candidates) == 0 {
				continue
			}
		}

		pick := candidates[rand.Intn(len(candidates))]
		length := pick.Length
		if length > PartSize {
			length = PartSize
		}
		var offset int64
		if pick.Length > length {
			offset = pick.Offset + int64(rand.Intn(int(pick.Length-length+1)))
		} else {
			offset = pick.Offset
		}

		n := int(length)
		if burst := s.Limiter.Burst(); n > burst {
			n = burst
		}
		if err := s.Limiter.WaitN(ctx, n); err != nil {
			return nil // rate limited; caller retries on the next tick
		}

		t.mut.Lock()
		t.requested[peer.ID()] = append(t.requested[peer.ID()], availability.Range{Offset: offset, Length: length})
		t.mut.Unlock()

		go s.fetchOne(ctx, t, peer, offset, length)
	}
	return nil
}

func intersectAll(offered, wanted []availability.Range) []availability.Range {
	var out []availability.Range
	for _, o := range offered {
		for _, w := range wanted {
			if r, ok := intersect(o, w); ok {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *Scheduler) fetchOne(ctx context.Context, t *Task, peer Peer, offset, length int64) {
	data, err := peer.RequestData(ctx, t.Obj, offset, length)
	t.mut.Lock()
	t.requested[peer.ID()] = subtract(t.requested[peer.ID()], []availability.Range{{Offset: offset, Length: length}})
	t.mut.Unlock()

	if err != nil {
		s.handlePeerTimeout(t, peer)
		return
	}
	if err := s.HandleChunk(ctx, t, peer.ID(), offset, data); err != nil {
		l.Warnf("handling chunk for %s from %s: %v", t.Obj, peer.ID(), err)
	}
}

func (s *Scheduler) handlePeerTimeout(t *Task, peer Peer) {
	t.mut.Lock()
	t.peerTimeouts[peer.ID()]++
	n := t.peerTimeouts[peer.ID()]
	t.mut.Unlock()
	if n >= TimeoutsLimit {
		l.Infof("dropping peer %s from %s after %d timeouts", peer.ID(), t.Obj, n)
		if s.OnPeerDropped != nil {
			s.OnPeerDropped(peer.ID())
		}
	}
}

// HandleChunk processes one received chunk (spec §4.6 step 4): writes
// it at offset, merges the range into downloaded, and fsyncs the file at
// PartSize boundaries. It does not announce the newly held range to
// subscribers.
func (s *Scheduler) HandleChunk(ctx context.Context, t *Task, peer string, offset int64, data []byte) error {
	t.mut.Lock()
	if t.file == nil {
		f, err := os.OpenFile(t.FilePath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			t.mut.Unlock()
			return err
		}
		t.file = f
	}
	t.lastReceive[peer] = time.Now()
	t.peerTimeouts[peer] = 0
	f := t.file
	t.mut.Unlock()

	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}

	t.mut.Lock()
	newRange := availability.Range{Offset: offset, Length: int64(len(data))}
	t.downloaded = availability.MergeRanges(append(t.downloaded, newRange))
	t.received += int64(len(data))
	boundary := t.received/PartSize != (t.received-int64(len(data)))/PartSize
	done := subtractLenZero(t.wanted, t.downloaded)
	snapshot := append([]availability.Range(nil), t.downloaded...)
	t.mut.Unlock()

	if boundary {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	if done {
		return s.complete(ctx, t)
	}
	_ = snapshot
	return nil
}

func subtractLenZero(wanted, downloaded []availability.Range) bool {
	return len(subtract(availability.MergeRanges(wanted), downloaded)) == 0
}

// complete implements spec §4.6 step 6: verify the hash if one was
// given, retrying on mismatch up to RetryLimit, otherwise finish.
func (s *Scheduler) complete(ctx context.Context, t *Task) error {
	t.mut.Lock()
	f := t.file
	t.mut.Unlock()
	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		return err
	}

	if t.FileHash != "" {
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		blocks, err := rsync.Signature(f, rsync.BlockSize)
		if err != nil {
			return err
		}
		got := rsync.ContentHash(blocks)
		if got != t.FileHash {
			t.mut.Lock()
			t.retries++
			retries := t.retries
			t.downloaded = nil
			t.mut.Unlock()
			if retries >= RetryLimit {
				err := fmt.Errorf("%w: expected %s got %s after %d retries", perrors.ErrWrongHash, t.FileHash, got, retries)
				t.Done <- err
				return err
			}
			return nil
		}
	}

	f.Close()
	t.Done <- nil
	s.finish(t)
	return nil
}

func (s *Scheduler) finish(t *Task) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.tasks, t.Obj.String())
	if s.current == t {
		s.current = nil
	}
}

// Cancel aborts a task at any suspension point (spec §5 cancellation).
func (s *Scheduler) Cancel(obj availability.ObjID) {
	s.mut.Lock()
	t, ok := s.tasks[obj.String()]
	if ok {
		delete(s.tasks, obj.String())
		if s.current == t {
			s.current = nil
		}
	}
	s.mut.Unlock()
	if !ok {
		return
	}
	t.mut.Lock()
	if t.file != nil {
		t.file.Close()
	}
	t.mut.Unlock()
	select {
	case t.Done <- errors.New("download: cancelled"):
	default:
	}
}

