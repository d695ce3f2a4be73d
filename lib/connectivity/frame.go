// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connectivity

import (
	"bytes"
	"fmt"

	"github.com/calmh/xdr"

	"github.com/pvtsync/pvtsync/lib/availability"
)

// msgType enumerates the peer wire messages of spec §6.
type msgType uint8

const (
	msgAvailabilityRequest msgType = iota + 1
	msgAvailabilityResponse
	msgAvailabilityAbort
	msgAvailabilityFailure
	msgDataRequest
	msgDataResponse
	msgDataAbort
	msgDataFailure
)

// frame is one on-wire peer message: obj_type, obj_id, mtype, info[],
// data? (spec §6). reqID correlates a response/failure/abort with the
// request that started it; it never appears on the wire as such in the
// original protocol but is carried here so a Session can demultiplex
// concurrent in-flight requests without another round of bookkeeping.
type frame struct {
	Type    msgType
	ReqID   uint64
	ObjType availability.ObjType
	ObjID   string
	Offset  int64
	Length  int64
	Ranges  []availability.Range
	Code    availability.FailureCode
	Data    []byte
}

// encodeFrame XDR-encodes f (offset/length as u64 per spec §6: "they
// must be transported as strings or u64, never i32").
func encodeFrame(f frame) ([]byte, error) {
	var buf bytes.Buffer
	w := xdr.NewWriter(&buf)

	w.WriteUint32(uint32(f.Type))
	w.WriteUint64(f.ReqID)
	w.WriteUint32(uint32(f.ObjType))
	w.WriteString(f.ObjID)
	w.WriteUint64(uint64(f.Offset))
	w.WriteUint64(uint64(f.Length))
	w.WriteUint32(uint32(f.Code))

	w.WriteUint32(uint32(len(f.Ranges)))
	for _, r := range f.Ranges {
		w.WriteUint64(uint64(r.Offset))
		w.WriteUint64(uint64(r.Length))
	}

	w.WriteBytes(f.Data)

	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("connectivity: encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeFrame is the inverse of encodeFrame.
func decodeFrame(raw []byte) (frame, error) {
	r := xdr.NewReader(bytes.NewReader(raw))

	var f frame
	f.Type = msgType(r.ReadUint32())
	f.ReqID = r.ReadUint64()
	f.ObjType = availability.ObjType(r.ReadUint32())
	f.ObjID = r.ReadStringMax(256)
	f.Offset = int64(r.ReadUint64())
	f.Length = int64(r.ReadUint64())
	f.Code = availability.FailureCode(r.ReadUint32())

	n := r.ReadUint32()
	f.Ranges = make([]availability.Range, 0, n)
	for i := uint32(0); i < n; i++ {
		off := int64(r.ReadUint64())
		length := int64(r.ReadUint64())
		f.Ranges = append(f.Ranges, availability.Range{Offset: off, Length: length})
	}

	f.Data = r.ReadBytesMax(maxFrameData)

	if err := r.Error(); err != nil {
		return frame{}, fmt.Errorf("connectivity: decoding frame: %w", err)
	}
	return f, nil
}

// maxFrameData bounds a single data_response payload (post-compression)
// accepted off the wire; larger than any DOWNLOAD_PART_SIZE chunk.
const maxFrameData = 16 * 1024 * 1024
