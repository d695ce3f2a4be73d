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
)

func TestUploadManagerLimitsConcurrentRequests(t *testing.T) {
	m := newUploadManager(0, 1)
	ctx := context.Background()

	id1, err := m.begin(ctx, "peerA", "file:1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := m.begin(ctx2, "peerB", "file:1", 0, 100); err == nil {
		t.Error("expected begin to block and time out while the single slot is held")
	}

	m.finish(id1, time.Now())

	if _, err := m.begin(ctx, "peerB", "file:1", 0, 100); err != nil {
		t.Errorf("begin after slot freed: %v", err)
	}
}

func TestUploadManagerReapsOldFinishedRows(t *testing.T) {
	m := newUploadManager(0, 4)
	ctx := context.Background()

	id, err := m.begin(ctx, "peerA", "file:1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	m.finish(id, now)

	if len(m.Snapshot()) != 1 {
		t.Fatalf("expected 1 row before reaping, got %d", len(m.Snapshot()))
	}

	m.reap(now) // not yet past TTL
	if len(m.Snapshot()) != 1 {
		t.Fatalf("expected row to survive reap before TTL, got %d", len(m.Snapshot()))
	}

	m.reap(now.Add(uploadsInfoTTL + time.Second))
	if len(m.Snapshot()) != 0 {
		t.Errorf("expected row to be reaped after TTL, got %d", len(m.Snapshot()))
	}
}

func TestClampBurst(t *testing.T) {
	cases := []struct {
		n, burst, want int
	}{
		{100, 50, 50},
		{10, 50, 10},
		{0, 50, 1},
		{-5, 50, 1},
	}
	for _, c := range cases {
		if got := clampBurst(c.n, c.burst); got != c.want {
			t.Errorf("clampBurst(%d, %d) = %d, want %d", c.n, c.burst, got, c.want)
		}
	}
}
