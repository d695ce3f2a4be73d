// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pvtsync/pvtsync/lib/eventdb"
	"github.com/pvtsync/pvtsync/lib/eventqueue"
	"github.com/pvtsync/pvtsync/lib/perrors"
	"github.com/pvtsync/pvtsync/lib/pipeline"
)

// Every type in this file implements suture.Service (Serve(ctx)
// error), the supervised-service shape spec.md's domain-stack wiring
// table assigns to J for D/E/F/G/H/I. A service that returns a non-nil
// error is restarted by the supervisor with backoff, except for
// perrors.ErrSyncFolderMissing, which is reported once via Sentry and
// re-raised so the whole tree comes down (spec §7).

// watcherService runs the Filesystem Monitor's watcher layer and
// feeds every debounced event into the pipeline (component D).
type watcherService struct{ o *Orchestrator }

func (s *watcherService) Serve(ctx context.Context) error {
	if err := s.o.Watcher.Start(); err != nil {
		return err
	}
	defer s.o.Watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.o.Watcher.Events():
			if !ok {
				return nil
			}
			s.o.counters.fsEvents.Add(1)
			s.o.Pipeline.Submit(ev)
		case <-s.o.Watcher.Quarantined():
			// Long-path rejections are surfaced to the UI elsewhere;
			// nothing for the orchestrator itself to do.
		case <-time.After(eventsCheckInterval):
			if _, err := os.Stat(s.o.cfg.Root); errors.Is(err, os.ErrNotExist) {
				s.o.report.Report("watcher", perrors.ErrSyncFolderMissing)
				return fmt.Errorf("%w: %w", perrors.ErrSyncFolderMissing, suture.ErrTerminateSupervisorTree)
			}
		}
	}
}

// pipelineService runs the staged action pipeline's worker pool
// (component D, stages 3–17).
type pipelineService struct{ o *Orchestrator }

func (s *pipelineService) Serve(ctx context.Context) error {
	s.o.Pipeline.Start()
	<-ctx.Done()
	s.o.Pipeline.Stop()
	return nil
}

// notificationBridgeService is the merge point wiring D's stage-17
// notifications into F, the Event Queue Processor.
type notificationBridgeService struct{ o *Orchestrator }

func (s *notificationBridgeService) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.o.Pipeline.Notifications():
			s.handle(ctx, n)
		}
	}
}

func (s *notificationBridgeService) handle(ctx context.Context, n pipeline.Notification) {
	switch n.Kind {
	case pipeline.NoDiskSpace, pipeline.AccessDenied:
		l.Infof("pipeline failure notice: %s %s", n.Kind, n.Path)
		return
	}

	le := eventqueue.LocalEvent{
		FileID:              n.FileID,
		Path:                n.Path,
		IsFolder:            n.IsFolder,
		FileHash:            n.FileHash,
		FileHashBeforeEvent: n.FileHashBeforeEvent,
		FileSize:            n.FileSize,
		FileSizeBeforeEvent: n.FileSizeBeforeEvent,
	}
	switch n.Kind {
	case pipeline.FileAdded:
		le.Type = eventdb.Create
	case pipeline.FileModified:
		le.Type = eventdb.Update
	case pipeline.FileMoved:
		le.Type = eventdb.Move
	case pipeline.FileDeleted:
		le.Type = eventdb.Delete
	default:
		return
	}

	if err := s.o.Queue.HandleLocal(ctx, le); err != nil {
		l.Infof("registering local event for %s: %v", n.Path, err)
		return
	}
	s.o.counters.localEvents.Add(1)
}

// downloadDriveService runs the Download Manager's (H) dedicated
// event-loop thread (spec §5: "Download manager runs on a dedicated
// event-loop thread"), repeatedly scheduling the current task and
// issuing one pass of requests against every connected peer.
type downloadDriveService struct{ o *Orchestrator }

func (s *downloadDriveService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t := s.o.Downloads.Schedule()
			if t == nil {
				continue
			}
			peers := s.o.Conn.Peers()
			if len(peers) == 0 {
				continue
			}
			if err := s.o.Downloads.IssueRequests(ctx, t, peers); err != nil {
				l.Debugf("issuing requests for %s: %v", t.Obj, err)
			}
		}
	}
}

// reachabilityService periodically reclassifies this node's NAT
// reachability (component I) every five minutes, the same period as
// reclassifyInterval in lib/connectivity/nat.go.
type reachabilityService struct{ o *Orchestrator }

func (s *reachabilityService) Serve(ctx context.Context) error {
	classify := func() {
		if _, err := s.o.Conn.ClassifyReachability(s.o.cfg.ListenPort); err != nil {
			l.Infof("reachability classification: %v", err)
		}
	}
	classify()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			classify()
		}
	}
}
