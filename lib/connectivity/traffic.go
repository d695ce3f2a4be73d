// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// trafficInfoInterval is how often a Session flushes its counters to
// an outbound traffic_info message (spec §6 outbound messages).
const trafficInfoInterval = 30 * time.Second

// TrafficInfo is one traffic_info outbound message's payload: bytes
// sent/received since the previous flush, not the running total, so
// signalling can plot a rate without keeping its own derivative.
type TrafficInfo struct {
	Peer        string
	BytesSent   int64
	BytesRecv   int64
	Reachability Reachability
}

// trafficCounters tracks one peer's cumulative send/receive byte
// counts (service/server_proxy.py's traffic_info accounting,
// SPEC_FULL.md §3).
type trafficCounters struct {
	sent     metrics.Counter
	recv     metrics.Counter
	lastSent int64
	lastRecv int64
}

func newTrafficCounters() *trafficCounters {
	return &trafficCounters{
		sent: metrics.NewCounter(),
		recv: metrics.NewCounter(),
	}
}

func (t *trafficCounters) addSent(n int) { t.sent.Inc(int64(n)) }
func (t *trafficCounters) addRecv(n int) { t.recv.Inc(int64(n)) }

// flush returns the delta since the previous flush and resets the
// baseline, ready to be sent as one TrafficInfo message.
func (t *trafficCounters) flush(peer string, reach Reachability) TrafficInfo {
	sent, recv := t.sent.Count(), t.recv.Count()
	info := TrafficInfo{
		Peer:         peer,
		BytesSent:    sent - t.lastSent,
		BytesRecv:    recv - t.lastRecv,
		Reachability: reach,
	}
	t.lastSent, t.lastRecv = sent, recv
	return info
}
