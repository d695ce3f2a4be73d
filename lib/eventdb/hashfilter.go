// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package eventdb

import (
	"encoding/json"
	"hash/fnv"

	"github.com/greatroar/blobloom"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// hashFilterFPRate trades a small false-positive rate (which only
// costs an unnecessary linear scan, never a wrong answer) for skipping
// that scan entirely on the common case: FindByHash called for content
// this store has never seen.
const hashFilterFPRate = 1e-4

// newHashFilter sizes a blobloom.Filter off the db's current FileRecord
// count and populates it from every record's cached hash. FindByHash
// consults it before falling back to the linear scan that used to run
// unconditionally; lib/quiet's local-dedup check is the hot caller.
func newHashFilter(db *leveldb.DB) (*blobloom.Filter, error) {
	n, err := countFileRecords(db)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	f := blobloom.NewOptimized(blobloom.Config{
		Capacity: uint64(n),
		FPRate:   hashFilterFPRate,
	})

	iter := db.NewIterator(util.BytesPrefix([]byte{prefixFile}), nil)
	defer iter.Release()
	for iter.Next() {
		var rec FileRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		if rec.FileHash != "" {
			f.Add(hashFilterKey(rec.FileHash))
		}
	}
	return f, iter.Error()
}

func countFileRecords(db *leveldb.DB) (int, error) {
	iter := db.NewIterator(util.BytesPrefix([]byte{prefixFile}), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func hashFilterKey(hash string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(hash))
	return h.Sum64()
}
