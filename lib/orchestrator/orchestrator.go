// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package orchestrator implements the Sync Orchestrator (spec §4.8,
// component J): it binds the Filesystem Monitor (D), Quiet Processor
// (E), Event Queue Processor (F), Availability Subscriptions (G),
// Download Manager (H) and Connectivity (I) together as one
// supervised service tree, derives the INIT/DISCONNECTED/INDEXING/
// IN_WORK/WAIT/PAUSE status machine from their live state, and serves
// it on a local HTTP surface for the out-of-scope GUI to poll.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/connectivity"
	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/download"
	"github.com/pvtsync/pvtsync/lib/eventdb"
	"github.com/pvtsync/pvtsync/lib/eventqueue"
	"github.com/pvtsync/pvtsync/lib/fsevent"
	"github.com/pvtsync/pvtsync/lib/fswatcher"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/patchstore"
	"github.com/pvtsync/pvtsync/lib/pipeline"
	"github.com/pvtsync/pvtsync/lib/quiet"
)

var l = logger.DefaultLogger.NewFacility("orchestrator", "Sync orchestrator status machine and supervision tree")

// eventsCheckInterval is how long watcherService waits without a
// watcher event before checking that the sync root still exists (spec
// §5 "events-check timer").
const eventsCheckInterval = 30 * time.Second

// Config gathers everything the orchestrator needs to open the
// stores, start the pipeline and stand up connectivity.
type Config struct {
	Root       string
	CopiesDir  string
	PatchesDir string
	EventDBDir string

	StunServer              string
	ListenPort              int
	DownloadBytesPerSec     int
	UploadBytesPerSec       int
	ProcessingRequestsLimit int

	HTTPAddr string
	SentryDSN string

	RegistrationClient eventqueue.RegistrationClient
}

// Orchestrator owns every store and service, the suture supervision
// tree running them, and the derived status machine.
type Orchestrator struct {
	cfg Config

	Events  *eventdb.Store
	Copies  *copystore.Store
	Patches *patchstore.Store

	Watcher   *fswatcher.Watcher
	Pipeline  *pipeline.Pipeline
	Apply     *quiet.Processor
	Queue     *eventqueue.Processor
	Downloads *download.Scheduler
	Supplier  *availability.Supplier
	Consumer  *availability.Consumer
	Conn      *connectivity.Manager

	report *crashReporter

	counters counters
	paused   atomic.Bool

	sup *suture.Supervisor
}

// Open opens every store named in cfg and wires the full component
// graph, but does not yet start any service — call Run for that.
func Open(cfg Config) (*Orchestrator, error) {
	events, err := eventdb.Open(cfg.EventDBDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening event db: %w", err)
	}
	copies, err := copystore.Open(cfg.CopiesDir)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("orchestrator: opening copies store: %w", err)
	}
	patches, err := patchstore.Open(cfg.PatchesDir, copies)
	if err != nil {
		events.Close()
		copies.Close()
		return nil, fmt.Errorf("orchestrator: opening patches store: %w", err)
	}

	consumer := availability.NewConsumer()
	downloads := download.NewScheduler(consumer, cfg.DownloadBytesPerSec)
	apply := quiet.New(cfg.Root, events, copies)
	queue := eventqueue.New(cfg.Root, events, copies, patches, apply, downloads, consumer, cfg.RegistrationClient)

	supplier := availability.NewSupplier(newStoreSource(copies, patches))

	conn := connectivity.NewManager(cfg.StunServer, nil)

	o := &Orchestrator{
		cfg:       cfg,
		Events:    events,
		Copies:    copies,
		Patches:   patches,
		Watcher:   fswatcher.New(cfg.Root),
		Pipeline:  pipeline.New(cfg.Root, cfg.CopiesDir, events, copies),
		Apply:     apply,
		Queue:     queue,
		Downloads: downloads,
		Supplier:  supplier,
		Consumer:  consumer,
		Conn:      conn,
		report:    newCrashReporter(cfg.SentryDSN),
		sup:       suture.New("pvtsync", suture.Spec{}),
	}
	conn.AttachScheduler(downloads)
	return o, nil
}

// Close releases every open store. Run must have returned first.
func (o *Orchestrator) Close() error {
	o.Patches.Close()
	o.Copies.Close()
	return o.Events.Close()
}

// SetPaused implements the sticky user PAUSE state (spec §4.8).
func (o *Orchestrator) SetPaused(v bool) { o.paused.Store(v) }

// Status derives the current status machine snapshot (spec §4.8's
// transition table) from every supervised service's live state.
func (o *Orchestrator) Status() Status {
	connected := len(o.Conn.Peers()) > 0
	fsEventsPending := len(o.Watcher.Events())
	queuedEvents := o.Downloads.ActiveCount()
	activeDownloads := o.Downloads.ActiveCount()

	state, sub := deriveState(
		o.paused.Load(),
		connected,
		true, // serverQueried: signalling polling is out of this component's scope; assumed current
		fsEventsPending,
		queuedEvents,
		activeDownloads,
		0, // activeShareDownloads: share-folder downloads are not modeled separately yet
		0, // activeUploads: connectivity tracks uploads per-session, not aggregated here yet
	)

	return Status{
		State:             state,
		Substate:          sub,
		Connected:         connected,
		LocalEventsCount:  o.counters.localEvents.Load(),
		RemoteEventsCount: o.counters.remoteEvents.Load(),
		FsEventsCount:     o.counters.fsEvents.Load(),
		EventsErased:      o.counters.eventsErased.Load(),
	}
}

// Run starts every supervised service (the watcher, pipeline,
// notification bridge, download drive loop, connectivity reachability
// refresh, and the status HTTP surface) under one suture supervision
// tree and blocks until ctx is cancelled or a service fails
// unrecoverably.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.sup.Add(&watcherService{o: o})
	o.sup.Add(&pipelineService{o: o})
	o.sup.Add(&notificationBridgeService{o: o})
	o.sup.Add(&downloadDriveService{o: o})
	o.sup.Add(&reachabilityService{o: o})
	if o.cfg.HTTPAddr != "" {
		o.sup.Add(&statusHTTPService{o: o, addr: o.cfg.HTTPAddr})
	}
	return o.sup.Serve(ctx)
}
