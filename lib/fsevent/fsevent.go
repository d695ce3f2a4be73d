// Package fsevent defines the transient pipeline record the
// Filesystem Monitor (D) threads through its staged action graph
// (spec §3 FsEvent, §4.1 pipeline stages), and the four outcomes a
// pipeline stage can produce.
package fsevent

import (
	"time"

	"github.com/pvtsync/pvtsync/lib/rsync"
)

// Type mirrors spec §3 FsEvent.type.
type Type int

const (
	Create Type = iota
	Modify
	Move
	Delete
)

func (t Type) String() string {
	switch t {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Move:
		return "move"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is the transient record threaded through the action pipeline.
type Event struct {
	ID int64

	Type Type
	Src  string
	Dst  string // set for Move
	IsDir bool

	Time time.Time

	// IsOffline is true for events synthesized by the startup
	// offline-scan diff rather than the live watcher.
	IsOffline bool

	// Quiet is true for events that originated from our own
	// remote-apply (Quiet Processor) and must not be re-registered
	// with the server.
	Quiet bool

	OldHash      string
	NewHash      string
	OldSignature []rsync.BlockHash
	NewSignature []rsync.BlockHash

	FileSize int64
	Mtime    int64

	// FileID is the matching FileRecord's stable id, attached by the
	// load-info-from-storage stage once known; zero means unmatched.
	FileID int64

	// RecentCopyPath is set once stage 9 (make recent copy) has run.
	RecentCopyPath string

	// EventsFileID carries the companion-file-derived authoritative
	// server id for link-backed fetches (stage 3).
	EventsFileID string
}

// Outcome is what a pipeline stage decides to do with an Event.
type Outcome int

const (
	// Passed forwards the event to the next stage.
	Passed Outcome = iota
	// Suppressed drops the event; the pipeline stops processing it.
	Suppressed
	// Returned requeues the event for retry after a delay.
	Returned
	// Spawned indicates one or more new events were emitted into the
	// pipeline; the originating event itself is not forwarded further.
	Spawned
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Suppressed:
		return "suppressed"
	case Returned:
		return "returned"
	case Spawned:
		return "spawned"
	default:
		return "unknown"
	}
}
