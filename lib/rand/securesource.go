// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package rand

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// secureSource implements math/rand.Source64 over crypto/rand, so every
// caller of this package's String/Uint64/Int63 gets a
// cryptographically secure generator without drawing from
// math/rand's default insecure global one.
type secureSource struct {
	reader io.Reader
}

func newSecureSource() *secureSource {
	return &secureSource{reader: rand.Reader}
}

func (s *secureSource) Int63() int64 {
	return int64(s.Uint64() &^ (1 << 63))
}

func (s *secureSource) Seed(int64) {
	// crypto/rand needs no seeding; present to satisfy rand.Source.
}

func (s *secureSource) Uint64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(s.reader, b[:]); err != nil {
		panic("rand: reading from crypto/rand: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}
