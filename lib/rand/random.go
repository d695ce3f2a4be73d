// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rand implements a random number generator on top of
// crypto/rand, used wherever an identifier or nonce needs to be
// unguessable rather than merely well-distributed (event uuids,
// conflict-copy disambiguators, patch uuids).
package rand

import (
	"math/rand"
	"sync"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	mut    sync.Mutex
	source = rand.New(newSecureSource())
)

// String returns a random string of length l, drawn from an
// alphanumeric alphabet.
func String(l int) string {
	bytes := make([]byte, l)
	mut.Lock()
	defer mut.Unlock()
	for i := range bytes {
		bytes[i] = letters[source.Intn(len(letters))]
	}
	return string(bytes)
}

// Uint64 returns a random, uniformly distributed uint64.
func Uint64() uint64 {
	mut.Lock()
	defer mut.Unlock()
	return source.Uint64()
}

// Int63 returns a random, uniformly distributed non-negative int64.
func Int63() int64 {
	mut.Lock()
	defer mut.Unlock()
	return source.Int63()
}
