// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package tekfile

import (
	"encoding/binary"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
)

// TEK export files carry their body as a single protocol-buffer-encoded
// message whose top-level fields follow the 16-byte identifier directly,
// with no outer length prefix. No
// protobuf library appears anywhere in the example pack, and the spec
// pins down the exact tag numbers and wire types in §6, so the decoder
// here is hand-written rather than generated: a minimal varint /
// fixed64 / length-delimited cursor over an in-memory byte slice.
const (
	wireVarint          = 0
	wireFixed64         = 1
	wireLengthDelimited = 2
)

const maxVarintBytes = 10 // ceil(64/7)

// fieldStartTimestamp etc. are the top-level field numbers from spec.md §6.
const (
	fieldStartTimestamp = 1
	fieldEndTimestamp   = 2
	fieldRegion         = 3
	fieldBatchNumber    = 4
	fieldBatchSize      = 5
	fieldSignatureInfo  = 6
	fieldKey            = 7
)

// keyField numbers are scoped to a Key submessage (field 7's payload).
const (
	keyFieldKeyData          = 1
	keyFieldTransmissionRisk = 2
	keyFieldIntervalNumber   = 3
	keyFieldIntervalCount    = 4
)

func readVarint(data []byte, pos int) (value uint64, next int, err error) {
	var shift uint
	for i := 0; ; i++ {
		if i >= maxVarintBytes {
			return 0, pos, enerrors.New("tekfile.readVarint", enerrors.Range, "varint exceeds %d bytes at offset %d", maxVarintBytes, pos)
		}
		if pos+i >= len(data) {
			return 0, pos, enerrors.New("tekfile.readVarint", enerrors.Underrun, "truncated varint at offset %d", pos)
		}
		b := data[pos+i]
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, pos + i + 1, nil
		}
		shift += 7
	}
}

func readFixed64(data []byte, pos int) (value uint64, next int, err error) {
	if pos+8 > len(data) {
		return 0, pos, enerrors.New("tekfile.readFixed64", enerrors.Underrun, "truncated fixed64 at offset %d", pos)
	}
	return binary.LittleEndian.Uint64(data[pos : pos+8]), pos + 8, nil
}

// readTag decodes a (field number, wire type) pair from a varint.
func readTag(data []byte, pos int) (field int, wireType int, next int, err error) {
	tag, next, err := readVarint(data, pos)
	if err != nil {
		return 0, 0, pos, err
	}
	return int(tag >> 3), int(tag & 0x7), next, nil
}

// readLengthDelimited reads a varint length prefix followed by that
// many bytes, returning a sub-slice of data (no copy).
func readLengthDelimited(data []byte, pos int) (value []byte, next int, err error) {
	length, next, err := readVarint(data, pos)
	if err != nil {
		return nil, pos, err
	}
	if length > uint64(len(data)) {
		return nil, pos, enerrors.New("tekfile.readLengthDelimited", enerrors.Overrun, "declared length %d exceeds file size at offset %d", length, pos)
	}
	end := next + int(length)
	if end > len(data) {
		return nil, pos, enerrors.New("tekfile.readLengthDelimited", enerrors.Underrun, "declared length %d runs past end of data at offset %d", length, pos)
	}
	return data[next:end], end, nil
}

// skipValue advances past a value of the given wire type without
// decoding it, used when scanning past fields the caller doesn't need
// for the current pass (metadata scan skipping Key submessages, or TEK
// iteration skipping metadata fields).
func skipValue(data []byte, pos int, wireType int) (next int, err error) {
	switch wireType {
	case wireVarint:
		_, next, err := readVarint(data, pos)
		return next, err
	case wireFixed64:
		_, next, err := readFixed64(data, pos)
		return next, err
	case wireLengthDelimited:
		_, next, err := readLengthDelimited(data, pos)
		return next, err
	default:
		return pos, enerrors.New("tekfile.skipValue", enerrors.BadFormat, "unsupported wire type %d at offset %d", wireType, pos)
	}
}
