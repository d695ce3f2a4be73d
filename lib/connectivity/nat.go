// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"fmt"
	"net"
	"time"

	"github.com/ccding/go-stun/stun"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// Reachability classifies how a peer can be dialled, as decided by the
// most recent Manager.ClassifyReachability run; nothing in this package
// re-runs it when the local network changes.
type Reachability int

const (
	// ReachabilityUnknown means classification has not run yet.
	ReachabilityUnknown Reachability = iota
	// ReachabilityDirect means this node has a stable, externally
	// dialable address (no NAT, full-cone NAT, or a successful
	// port mapping).
	ReachabilityDirect
	// ReachabilityRelayed means no direct path was found and peers
	// must be reached through a relay.
	ReachabilityRelayed
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityDirect:
		return "direct"
	case ReachabilityRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// ExternalAddress is this node's best-known externally reachable
// address, alongside how it was obtained.
type ExternalAddress struct {
	Reachability Reachability
	IP           net.IP
	Port         int
}

// classifier discovers whether this node is directly dialable, trying
// a NAT-PMP port mapping through the default gateway first (cheap,
// synchronous, no third party involved) and falling back to STUN
// against a public server for a classic NAT-type probe.
type classifier struct {
	stunServer string
}

func newClassifier(stunServer string) *classifier {
	if stunServer == "" {
		stunServer = "stun.syncthing.net:3478"
	}
	return &classifier{stunServer: stunServer}
}

// Classify attempts NAT-PMP first, then STUN, returning the first
// successful external address and the reachability it implies (spec
// SPEC_FULL.md domain stack: "NAT traversal (direct vs relayed
// classification)").
func (c *classifier) Classify(internalPort int) (ExternalAddress, error) {
	if addr, err := c.viaNATPMP(internalPort); err == nil {
		return addr, nil
	}
	return c.viaSTUN()
}

func (c *classifier) viaNATPMP(internalPort int) (ExternalAddress, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return ExternalAddress{}, fmt.Errorf("connectivity: discovering gateway: %w", err)
	}

	client := natpmp.NewClient(gw)
	extAddr, err := client.GetExternalAddress()
	if err != nil {
		return ExternalAddress{}, fmt.Errorf("connectivity: nat-pmp external address: %w", err)
	}

	mapping, err := client.AddPortMapping("tcp", internalPort, internalPort, 3600)
	if err != nil {
		return ExternalAddress{}, fmt.Errorf("connectivity: nat-pmp port mapping: %w", err)
	}

	ip := net.IPv4(extAddr.ExternalIPAddress[0], extAddr.ExternalIPAddress[1], extAddr.ExternalIPAddress[2], extAddr.ExternalIPAddress[3])
	return ExternalAddress{
		Reachability: ReachabilityDirect,
		IP:           ip,
		Port:         int(mapping.MappedExternalPort),
	}, nil
}

func (c *classifier) viaSTUN() (ExternalAddress, error) {
	client := stun.NewClient()
	client.SetServerAddr(c.stunServer)

	nat, host, err := client.Discover()
	if err != nil {
		return ExternalAddress{}, fmt.Errorf("connectivity: stun discovery: %w", err)
	}
	if host == nil {
		return ExternalAddress{Reachability: ReachabilityRelayed}, nil
	}

	ip := net.ParseIP(host.IP())
	switch nat {
	case stun.NATNone, stun.NATFull:
		return ExternalAddress{Reachability: ReachabilityDirect, IP: ip, Port: int(host.Port())}, nil
	default:
		// Restricted/symmetric/port-restricted NATs cannot be
		// dialed into blind; treat as relayed.
		return ExternalAddress{Reachability: ReachabilityRelayed, IP: ip, Port: int(host.Port())}, nil
	}
}

// reclassifyInterval is the period between reclassification runs.
// Nothing in this package reads it: the Manager does not re-run
// Classify on its own, and lib/orchestrator's reachability service
// ticks at the same five minutes.
const reclassifyInterval = 5 * time.Minute
