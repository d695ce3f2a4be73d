// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/miscreant/miscreant.go"
)

// sessionKeySize is the AES-SIV key size: two 32-byte sub-keys, giving
// misuse-resistant authenticated encryption for a long-lived peer
// session where a nonce reuse under packet loss/retransmission would
// otherwise be a real risk with a conventional AEAD.
const sessionKeySize = 64

const nonceSize = 16

// sessionCipher seals/opens frames on one peer session. Nonces are a
// monotonic counter rather than random: AES-SIV tolerates nonce reuse
// without catastrophic failure, and a counter gives distinct nonces
// without a random source on the hot path. open does not check the
// counter, so a replayed frame is not rejected.
type sessionCipher struct {
	aead cipher.AEAD
	send atomic.Uint64
}

func newSessionCipher(key []byte) (*sessionCipher, error) {
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("connectivity: session key must be %d bytes, got %d", sessionKeySize, len(key))
	}
	aead, err := miscreant.NewAEAD("AES-CMAC-SIV", key, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("connectivity: initialising AEAD: %w", err)
	}
	return &sessionCipher{aead: aead}, nil
}

// seal encrypts plaintext under the next send nonce, prefixing the
// nonce onto the returned ciphertext.
func (c *sessionCipher) seal(plaintext []byte) []byte {
	var nonce [nonceSize]byte
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], c.send.Add(1))
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	copy(out, nonce[:])
	return c.aead.Seal(out, nonce[:], plaintext, nil)
}

// open reverses seal, reading the nonce prefix off of the wire.
func (c *sessionCipher) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("connectivity: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("connectivity: opening session frame: %w", err)
	}
	return plaintext, nil
}
