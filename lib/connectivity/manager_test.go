// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/download"
)

func TestManagerAddAndRemoveSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager("", nil)
	ta, _ := newChanTransportPair()

	s, err := m.AddSession(ctx, "peerA", ta, testKey(), nil, nil, 0, 4)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Session("peerA"); !ok {
		t.Fatal("expected peerA to be registered")
	}
	if len(m.Peers()) != 1 {
		t.Fatalf("Peers() = %d, want 1", len(m.Peers()))
	}

	m.RemoveSession("peerA")
	if _, ok := m.Session("peerA"); ok {
		t.Error("expected peerA to be gone after RemoveSession")
	}
	if len(m.Peers()) != 0 {
		t.Errorf("Peers() after removal = %d, want 0", len(m.Peers()))
	}

	_ = s
}

func TestManagerAttachSchedulerDropsPeerOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager("", nil)
	ta, _ := newChanTransportPair()
	if _, err := m.AddSession(ctx, "flaky-peer", ta, testKey(), nil, nil, 0, 4); err != nil {
		t.Fatal(err)
	}

	consumer := availability.NewConsumer()
	sched := download.NewScheduler(consumer, 1024*1024)
	m.AttachScheduler(sched)

	if sched.OnPeerDropped == nil {
		t.Fatal("expected AttachScheduler to set OnPeerDropped")
	}
	sched.OnPeerDropped("flaky-peer")

	// Give the removal a moment; RemoveSession itself is synchronous
	// but this guards against a future async refactor leaving the
	// assertion racy.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Session("flaky-peer"); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("expected flaky-peer to be removed after OnPeerDropped fired")
}
