// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package orchestrator

import "sync/atomic"

// State is the top-level status machine spec §4.8 describes.
type State int

const (
	Init State = iota
	Disconnected
	Indexing
	InWork
	Wait
	Pause
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Disconnected:
		return "disconnected"
	case Indexing:
		return "indexing"
	case InWork:
		return "in_work"
	case Wait:
		return "wait"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// Substate names what kind of work IN_WORK is currently doing.
type Substate int

const (
	SubstateNone Substate = iota
	SubstateSync
	SubstateShare
	SubstateApply
)

func (s Substate) String() string {
	switch s {
	case SubstateSync:
		return "sync"
	case SubstateShare:
		return "share"
	case SubstateApply:
		return "apply"
	default:
		return "none"
	}
}

// counters are the four aggregate figures spec §4.8 requires emitted
// with every status update.
type counters struct {
	localEvents  atomic.Int64
	remoteEvents atomic.Int64
	fsEvents     atomic.Int64
	eventsErased atomic.Int64
}

// Status is one snapshot of the status machine, served to the local
// HTTP surface.
type Status struct {
	State    State
	Substate Substate

	Connected bool

	LocalEventsCount  int64
	RemoteEventsCount int64
	FsEventsCount     int64
	EventsErased      int64
}

// deriveState implements spec §4.8's transition table. Transitions are
// derived from live counts, not set directly, except for Pause which
// is sticky user state preempting everything else.
func deriveState(paused, connected bool, serverQueried bool, fsEventsPending, queuedEvents, activeDownloads, activeShareDownloads, activeUploads int) (State, Substate) {
	if paused {
		return Pause, SubstateNone
	}
	if !connected {
		return Disconnected, SubstateNone
	}

	idle := fsEventsPending == 0 && queuedEvents == 0 && activeDownloads == 0 && activeShareDownloads == 0 && activeUploads == 0
	if idle && serverQueried {
		return Wait, SubstateNone
	}

	if activeDownloads == 0 && activeUploads == 0 && (fsEventsPending > 0 || queuedEvents > 0) {
		return Indexing, SubstateNone
	}

	sub := SubstateSync
	switch {
	case activeShareDownloads > 0:
		sub = SubstateShare
	case activeUploads > 0 && activeDownloads == 0:
		sub = SubstateApply
	}
	return InWork, sub
}
