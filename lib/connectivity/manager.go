// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"context"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/download"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

// Manager owns every live peer Session plus this node's own NAT
// classification, and is the thing the Sync Orchestrator (J) starts
// and stops as one supervised service.
type Manager struct {
	classifier *classifier
	reach      ExternalAddress

	mut      syncutil.Mutex
	sessions map[string]*Session

	onTraffic func(TrafficInfo)
}

// NewManager builds a Manager. stunServer may be empty to use the
// built-in default; onTraffic receives each Session's periodic
// traffic_info flush for forwarding to signalling.
func NewManager(stunServer string, onTraffic func(TrafficInfo)) *Manager {
	return &Manager{
		classifier: newClassifier(stunServer),
		sessions:   make(map[string]*Session),
		mut:        syncutil.NewMutex(),
		onTraffic:  onTraffic,
	}
}

// ClassifyReachability runs NAT-PMP/STUN discovery for internalPort
// and records the result for new Sessions to report.
func (m *Manager) ClassifyReachability(internalPort int) (ExternalAddress, error) {
	addr, err := m.classifier.Classify(internalPort)
	if err != nil {
		return ExternalAddress{}, err
	}
	m.mut.Lock()
	m.reach = addr
	m.mut.Unlock()
	return addr, nil
}

// AddSession wraps transport as a new peer Session, starts its I/O
// reactor in the background under ctx, and registers it for Peers().
func (m *Manager) AddSession(ctx context.Context, peerID string, transport Transport, key []byte, supplier *availability.Supplier, consumer *availability.Consumer, uploadBytesPerSec, processingRequestsLimit int) (*Session, error) {
	s, err := NewSession(peerID, transport, key, supplier, consumer, uploadBytesPerSec, processingRequestsLimit)
	if err != nil {
		return nil, err
	}
	m.mut.Lock()
	s.SetReachability(m.reach.Reachability)
	m.sessions[peerID] = s
	m.mut.Unlock()

	go func() {
		err := s.Run(ctx, m.onTraffic)
		if err != nil {
			l.Infof("session with %s ended: %v", peerID, err)
		}
		m.mut.Lock()
		if m.sessions[peerID] == s {
			delete(m.sessions, peerID)
		}
		m.mut.Unlock()
	}()
	return s, nil
}

// RemoveSession closes and forgets the session for peerID, if any
// (the Download Manager's peer-timeout-drop path, spec §4.6 step 5,
// calls this once it gives up on a peer).
func (m *Manager) RemoveSession(peerID string) {
	m.mut.Lock()
	s, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mut.Unlock()
	if ok {
		s.Close()
	}
}

// Peers returns every currently connected Session as a download.Peer,
// ready to hand to a Scheduler's IssueRequests.
func (m *Manager) Peers() []download.Peer {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]download.Peer, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AttachScheduler wires sched's peer-drop path (spec §4.6 step 5) to
// RemoveSession, so a peer that times out past download.TimeoutsLimit
// on some task has its Session torn down here rather than silently
// staying connected.
func (m *Manager) AttachScheduler(sched *download.Scheduler) {
	sched.OnPeerDropped = m.RemoveSession
}

// Session looks up the live session for peerID, if any.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}
