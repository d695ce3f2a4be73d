// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/pvtsync/pvtsync/lib/availability"
	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/patchstore"
)

// storeSource is the availability.Source the comment in
// lib/availability points at: it answers a Supplier's range/read
// queries against whichever local store actually holds the object,
// content blobs from the Copies Store, patch archives from the
// Patches Store.
type storeSource struct {
	copies  *copystore.Store
	patches *patchstore.Store
}

func newStoreSource(copies *copystore.Store, patches *patchstore.Store) *storeSource {
	return &storeSource{copies: copies, patches: patches}
}

func (s *storeSource) Ranges(ctx context.Context, obj availability.ObjID) ([]availability.Range, error) {
	switch obj.Type {
	case availability.ObjFile:
		size, err := s.copies.Size(ctx, obj.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: source ranges %s: %w", obj, err)
		}
		return []availability.Range{{Offset: 0, Length: size}}, nil
	case availability.ObjPatch:
		e, ok, err := s.patches.Get(obj.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: source ranges %s: %w", obj, err)
		}
		if !ok || !e.Exist {
			return nil, nil
		}
		return []availability.Range{{Offset: 0, Length: e.Size}}, nil
	default:
		return nil, fmt.Errorf("orchestrator: source ranges %s: unknown obj_type", obj)
	}
}

func (s *storeSource) ReadAt(ctx context.Context, obj availability.ObjID, offset, length int64) ([]byte, error) {
	switch obj.Type {
	case availability.ObjFile:
		r, err := s.copies.OpenReader(ctx, obj.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: source read %s: %w", obj, err)
		}
		defer r.Close()
		if _, err := io.CopyN(io.Discard, r, offset); err != nil {
			return nil, fmt.Errorf("orchestrator: source read %s: seeking to offset %d: %w", obj, offset, err)
		}
		buf := make([]byte, length)
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("orchestrator: source read %s: %w", obj, err)
		}
		return buf[:n], nil
	case availability.ObjPatch:
		archive, err := s.patches.Archive(ctx, obj.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: source read %s: %w", obj, err)
		}
		if offset >= int64(len(archive)) {
			return nil, nil
		}
		end := offset + length
		if end > int64(len(archive)) {
			end = int64(len(archive))
		}
		return archive[offset:end], nil
	default:
		return nil, fmt.Errorf("orchestrator: source read %s: unknown obj_type", obj)
	}
}
