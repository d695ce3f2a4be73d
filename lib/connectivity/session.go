// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connectivity is the Connectivity component (SPEC_FULL.md
// domain stack, component I): one I/O reactor per peer that serialises
// outbound messages, dispatches inbound messages by object type, and
// sits between the wire and the Availability Subscriptions (G) and
// Download Manager (H) components. A Session frames and AEAD-seals peer
// traffic and tracks per-peer byte counters for the traffic_info
// outbound message; the Manager classifies this node's NAT reachability.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/logger"
	"github.com/pvtsync/pvtsync/lib/syncutil"
)

var l = logger.DefaultLogger.NewFacility("connectivity", "Peer session transport, NAT traversal and traffic accounting")

// Transport is the raw framed byte-message channel under one Session;
// satisfied by a TLS-wrapped net.Conn in production and a pipe in
// tests. Send/Recv each move exactly one already-length-delimited
// frame.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// pending is an in-flight data_request or availability_info_request
// awaiting its matching response/failure/abort.
type pending struct {
	data chan frame
}

// Session is one peer connection: it implements download.Peer
// (ID/RequestData) directly, so the Download Manager (H) can drive it
// without another adapter layer, while also serving this node's
// supplier side of G over the same wire.
type Session struct {
	peerID    string
	transport Transport
	cipher    *sessionCipher
	supplier  *availability.Supplier
	consumer  *availability.Consumer
	uploads   *uploadManager
	traffic   *trafficCounters
	reach     Reachability

	outbound chan frame

	mut     syncutil.Mutex
	nextReq uint64
	waiting map[uint64]*pending

	closeOnce sync.Once
	stop      chan struct{}
}

// NewSession wraps transport as an encrypted peer session. key must be
// the 64-byte session key negotiated out of band (device-id exchange,
// out of scope here). supplier/consumer are this node's G endpoints;
// either may be nil if this Session never needs that role.
func NewSession(peerID string, transport Transport, key []byte, supplier *availability.Supplier, consumer *availability.Consumer, uploadBytesPerSec, processingRequestsLimit int) (*Session, error) {
	c, err := newSessionCipher(key)
	if err != nil {
		return nil, err
	}
	s := &Session{
		peerID:    peerID,
		transport: transport,
		cipher:    c,
		supplier:  supplier,
		consumer:  consumer,
		uploads:   newUploadManager(uploadBytesPerSec, processingRequestsLimit),
		traffic:   newTrafficCounters(),
		reach:     ReachabilityUnknown,
		outbound:  make(chan frame, 64),
		waiting:   make(map[uint64]*pending),
		stop:      make(chan struct{}),
		mut:       syncutil.NewMutex(),
	}
	return s, nil
}

// ID satisfies download.Peer.
func (s *Session) ID() string { return s.peerID }

// SetReachability records how this peer was classified (spec:
// NAT traversal direct vs relayed), surfaced on the next traffic_info
// flush.
func (s *Session) SetReachability(r Reachability) { s.reach = r }

// Run drives the outbound writer and inbound dispatcher until ctx is
// cancelled or the transport fails; it also flushes traffic counters
// every trafficInfoInterval via onTraffic.
func (s *Session) Run(ctx context.Context, onTraffic func(TrafficInfo)) error {
	errc := make(chan error, 2)
	go func() { errc <- s.writeLoop(ctx) }()
	go func() { errc <- s.readLoop(ctx) }()

	ticker := time.NewTicker(trafficInfoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			<-errc
			<-errc
			return ctx.Err()
		case <-s.stop:
			<-errc
			<-errc
			return nil
		case err := <-errc:
			s.Close()
			return err
		case <-ticker.C:
			if onTraffic != nil {
				onTraffic(s.traffic.flush(s.peerID, s.reach))
			}
			s.uploads.reap(time.Now())
		}
	}
}

// Close tears down the transport and unblocks Run.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.transport.Close()
	})
	return err
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case f := <-s.outbound:
			raw, err := encodeFrame(f)
			if err != nil {
				return err
			}
			sealed := s.cipher.seal(raw)
			if err := s.transport.Send(ctx, sealed); err != nil {
				return err
			}
			s.traffic.addSent(len(sealed))
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		sealed, err := s.transport.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.traffic.addRecv(len(sealed))

		raw, err := s.cipher.open(sealed)
		if err != nil {
			l.Warnf("dropping unreadable frame from %s: %v", s.peerID, err)
			continue
		}
		f, err := decodeFrame(raw)
		if err != nil {
			l.Warnf("dropping malformed frame from %s: %v", s.peerID, err)
			continue
		}
		s.dispatch(ctx, f)
	}
}

// dispatch routes one inbound frame by object type (spec §5:
// "inbound dispatch is by object type"): a *_request goes to this
// node's supplier/consumer side; a response/failure/abort wakes the
// matching in-flight RequestData/RequestAvailability call.
func (s *Session) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case msgAvailabilityRequest:
		s.serveAvailabilityRequest(ctx, f)
	case msgDataRequest:
		go s.serveDataRequest(ctx, f)
	case msgAvailabilityResponse, msgAvailabilityAbort, msgAvailabilityFailure,
		msgDataResponse, msgDataAbort, msgDataFailure:
		s.deliver(f)
	default:
		l.Warnf("unknown frame type %d from %s", f.Type, s.peerID)
	}
}

func (s *Session) deliver(f frame) {
	s.mut.Lock()
	p, ok := s.waiting[f.ReqID]
	if ok {
		delete(s.waiting, f.ReqID)
	}
	s.mut.Unlock()
	if !ok {
		return
	}
	select {
	case p.data <- f:
	default:
	}
}

func (s *Session) register(reqID uint64) *pending {
	p := &pending{data: make(chan frame, 1)}
	s.mut.Lock()
	s.waiting[reqID] = p
	s.mut.Unlock()
	return p
}

func (s *Session) nextReqID() uint64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.nextReq++
	return s.nextReq
}

// RequestData issues a data_request and blocks for its data_response,
// decompressing the payload before returning it. It satisfies
// download.Peer so a Session can be handed directly to a download
// Scheduler.
func (s *Session) RequestData(ctx context.Context, obj availability.ObjID, offset, length int64) ([]byte, error) {
	reqID := s.nextReqID()
	p := s.register(reqID)

	req := frame{Type: msgDataRequest, ReqID: reqID, ObjType: obj.Type, ObjID: obj.ID, Offset: offset, Length: length}
	select {
	case s.outbound <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-p.data:
		switch resp.Type {
		case msgDataResponse:
			return availability.DecompressChunk(resp.Data)
		case msgDataFailure:
			return nil, &availability.FailureErr{Code: resp.Code}
		default:
			return nil, fmt.Errorf("connectivity: unexpected response type %d to data_request", resp.Type)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestAvailability issues one availability_info_request and blocks
// for the matching response or failure, feeding the result into this
// Session's Consumer. Unlike the original streaming subscription (spec
// §4.7's updates/failures channel pair), this wire layer demultiplexes
// by request id rather than by long-lived subscription, so a caller
// wanting a live feed re-issues this on a short interval rather than
// holding one subscription open across the wire; the consumer-side
// book-keeping in lib/availability is unaffected either way.
func (s *Session) RequestAvailability(ctx context.Context, obj availability.ObjID) ([]availability.Range, error) {
	reqID := s.nextReqID()
	p := s.register(reqID)

	req := frame{Type: msgAvailabilityRequest, ReqID: reqID, ObjType: obj.Type, ObjID: obj.ID}
	select {
	case s.outbound <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-p.data:
		switch resp.Type {
		case msgAvailabilityResponse:
			if s.consumer != nil {
				s.consumer.HandleResponse(s.peerID, obj, resp.Ranges)
			}
			return resp.Ranges, nil
		case msgAvailabilityFailure:
			if s.consumer != nil {
				s.consumer.HandleFailure(s.peerID, obj, resp.Code)
			}
			return nil, &availability.FailureErr{Code: resp.Code}
		default:
			return nil, fmt.Errorf("connectivity: unexpected response type %d to availability_info_request", resp.Type)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serveDataRequest answers one inbound data_request from this node's
// Supplier, honouring the upload leaky bucket and
// processingRequestsLimit concurrency bound (spec §4.6 upload side).
func (s *Session) serveDataRequest(ctx context.Context, f frame) {
	if s.supplier == nil {
		s.sendDataFailure(ctx, f, availability.FileNotRegistered)
		return
	}

	obj := availability.ObjID{Type: f.ObjType, ID: f.ObjID}
	id, err := s.uploads.begin(ctx, s.peerID, obj.String(), f.Offset, f.Length)
	if err != nil {
		return // context cancelled or session closing
	}
	defer s.uploads.finish(id, time.Now())

	data, err := s.supplier.HandleDataRequest(ctx, obj, f.Offset, f.Length)
	if err != nil {
		s.sendDataFailure(ctx, f, availability.FileChanged)
		return
	}

	resp := frame{Type: msgDataResponse, ReqID: f.ReqID, ObjType: f.ObjType, ObjID: f.ObjID, Data: data}
	select {
	case s.outbound <- resp:
	case <-ctx.Done():
	}
}

func (s *Session) sendDataFailure(ctx context.Context, f frame, code availability.FailureCode) {
	resp := frame{Type: msgDataFailure, ReqID: f.ReqID, ObjType: f.ObjType, ObjID: f.ObjID, Code: code}
	select {
	case s.outbound <- resp:
	case <-ctx.Done():
	}
}

// serveAvailabilityRequest answers one inbound availability_info_request
// synchronously with the current range snapshot (the full subscribe/
// announce/fail stream is out of scope for one request/response pair
// and belongs to a longer-lived subscription managed above Session).
func (s *Session) serveAvailabilityRequest(ctx context.Context, f frame) {
	if s.supplier == nil {
		s.sendDataFailure(ctx, f, availability.FileNotRegistered)
		return
	}
	obj := availability.ObjID{Type: f.ObjType, ID: f.ObjID}
	id, updates, failures, err := s.supplier.Subscribe(ctx, obj)
	if err != nil {
		resp := frame{Type: msgAvailabilityFailure, ReqID: f.ReqID, ObjType: f.ObjType, ObjID: f.ObjID, Code: availability.FileNotRegistered}
		select {
		case s.outbound <- resp:
		case <-ctx.Done():
		}
		return
	}

	select {
	case ranges := <-updates:
		resp := frame{Type: msgAvailabilityResponse, ReqID: f.ReqID, ObjType: f.ObjType, ObjID: f.ObjID, Ranges: ranges}
		select {
		case s.outbound <- resp:
		case <-ctx.Done():
		}
	case fail := <-failures:
		resp := frame{Type: msgAvailabilityFailure, ReqID: f.ReqID, ObjType: f.ObjType, ObjID: f.ObjID, Code: fail.Code}
		select {
		case s.outbound <- resp:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
	s.supplier.Unsubscribe(obj, id)
}
