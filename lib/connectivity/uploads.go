// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pvtsync/pvtsync/lib/syncutil"
)

// uploadsInfoTTL bounds how long a finished upload stays listed for
// the UI before the reaper drops it (service/upload_task_handler.py,
// SPEC_FULL.md §3).
const uploadsInfoTTL = 1 * time.Minute

// uploadInfo is one row of the per-object "uploads info" the UI polls:
// who we're serving, what, and how far along.
type uploadInfo struct {
	Peer       string
	Obj        string
	Offset     int64
	Length     int64
	finishedAt time.Time // zero while in progress
}

func (u uploadInfo) done() bool { return !u.finishedAt.IsZero() }

// uploadManager is the supplier-side counterpart of lib/download's
// consumer-side scheduler (spec §4.6 last paragraph): it rate-limits
// outbound chunk bytes with a leaky bucket, bounds concurrent
// in-flight data_request service to processingRequestsLimit, and keeps
// a TTL-reaped table of uploads for the UI.
type uploadManager struct {
	limiter *rate.Limiter
	sema    chan struct{}

	mut    syncutil.Mutex
	nextID uint64
	rows   map[uint64]uploadInfo
}

// newUploadManager builds an uploadManager capped at bytesPerSec
// outbound and processingRequestsLimit concurrent chunk services.
func newUploadManager(bytesPerSec int, processingRequestsLimit int) *uploadManager {
	limit := rate.Inf
	if bytesPerSec > 0 {
		limit = rate.Limit(bytesPerSec)
	}
	return &uploadManager{
		limiter: rate.NewLimiter(limit, maxFrameData),
		sema:    make(chan struct{}, processingRequestsLimit),
		rows:    make(map[uint64]uploadInfo),
		mut:     syncutil.NewMutex(),
	}
}

// begin blocks until a concurrent-request slot is free, then waits for
// the leaky bucket to admit length bytes, recording a new in-progress
// uploads-info row. The returned id is passed to finish.
func (m *uploadManager) begin(ctx context.Context, peer, obj string, offset, length int64) (uint64, error) {
	select {
	case m.sema <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if err := m.limiter.WaitN(ctx, clampBurst(int(length), m.limiter.Burst())); err != nil {
		<-m.sema
		return 0, err
	}

	m.mut.Lock()
	m.nextID++
	id := m.nextID
	m.rows[id] = uploadInfo{Peer: peer, Obj: obj, Offset: offset, Length: length}
	m.mut.Unlock()
	return id, nil
}

// finish releases the concurrency slot and marks the row finished
// rather than deleting it immediately, so a just-completed upload is
// still visible to the UI until the reaper's TTL elapses.
func (m *uploadManager) finish(id uint64, now time.Time) {
	<-m.sema
	m.mut.Lock()
	defer m.mut.Unlock()
	if row, ok := m.rows[id]; ok {
		row.finishedAt = now
		m.rows[id] = row
	}
}

// Snapshot returns the current uploads-info table for the UI.
func (m *uploadManager) Snapshot() []uploadInfo {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]uploadInfo, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out
}

// reap drops finished rows older than uploadsInfoTTL as of now.
func (m *uploadManager) reap(now time.Time) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for id, row := range m.rows {
		if row.done() && now.Sub(row.finishedAt) > uploadsInfoTTL {
			delete(m.rows, id)
		}
	}
}

func clampBurst(n, burst int) int {
	if n > burst {
		return burst
	}
	if n < 1 {
		return 1
	}
	return n
}
