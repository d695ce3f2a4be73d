// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import "testing"

func TestReachabilityString(t *testing.T) {
	cases := map[Reachability]string{
		ReachabilityUnknown:  "unknown",
		ReachabilityDirect:   "direct",
		ReachabilityRelayed:  "relayed",
		Reachability(99):     "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("Reachability(%d).String() = %q, want %q", r, got, want)
		}
	}
}

func TestNewClassifierDefaultsStunServer(t *testing.T) {
	c := newClassifier("")
	if c.stunServer == "" {
		t.Error("expected a default stun server address")
	}

	c2 := newClassifier("stun.example.com:3478")
	if c2.stunServer != "stun.example.com:3478" {
		t.Errorf("stunServer = %q, want the explicit override", c2.stunServer)
	}
}
