// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package tekfile reads TEK export files: a 16-byte identifier
// followed by a protocol-buffer-encoded body carrying file metadata
// (validity window, region, batch position) and a repeated sequence
// of Temporary Exposure Keys (spec.md §4.4, §6).
//
// Metadata and TEKs are collected in independent passes over the same
// in-memory body: Metadata buffers the reader's current position,
// scans from the top, and restores the position afterward, so callers
// can interleave a Metadata() call between Next() calls without
// disturbing iteration order.
package tekfile

import (
	"bytes"
	"io"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

// Identifier is the fixed 16-byte header every TEK export file starts
// with.
var Identifier = [16]byte{'E', 'K', ' ', 'E', 'x', 'p', 'o', 'r', 't', ' ', 'v', '1', ' ', ' ', ' ', ' '}

// Metadata is the set of file-level fields carried alongside the TEK
// sequence.
type Metadata struct {
	StartTimestamp int64
	EndTimestamp   int64
	Region         string
	BatchNumber    uint32
	BatchSize      uint32
	SignatureInfo  []byte
}

// Reader is a lazy, forward-only TEK export reader over an in-memory
// body. Files in this domain run tens to low hundreds of kilobytes, so
// loading the body once at Open avoids juggling a seekable source for
// the two independent parse passes.
type Reader struct {
	body   []byte
	digest Digest
	cur    int
}

// Open validates the identifier, hashes the full file content, and
// returns a Reader positioned at the start of the body.
func Open(r io.Reader) (*Reader, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, enerrors.New("tekfile.Open", enerrors.BadFormat, "file shorter than the 16-byte identifier")
		}
		return nil, enerrors.Wrap("tekfile.Open", enerrors.Internal, err)
	}
	if header != Identifier {
		return nil, enerrors.New("tekfile.Open", enerrors.BadFormat, "unrecognized identifier %q", header[:])
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, enerrors.Wrap("tekfile.Open", enerrors.Internal, err)
	}
	body := buf.Bytes()

	digest, err := hashFully(io.MultiReader(bytes.NewReader(header[:]), bytes.NewReader(body)))
	if err != nil {
		return nil, enerrors.Wrap("tekfile.Open", enerrors.Internal, err)
	}

	return &Reader{body: body, digest: digest}, nil
}

// Digest returns the SHA-256 digest of the entire file, identifier
// included.
func (r *Reader) Digest() Digest {
	return r.digest
}

// Metadata scans the body for file-level fields, skipping over Key
// submessages, then restores the reader's iteration position so a
// subsequent Next() continues exactly where it left off.
func (r *Reader) Metadata() (Metadata, error) {
	saved := r.cur
	defer func() { r.cur = saved }()

	var meta Metadata
	pos := 0
	for pos < len(r.body) {
		field, wireType, next, err := readTag(r.body, pos)
		if err != nil {
			return Metadata{}, err
		}
		pos = next

		switch field {
		case fieldStartTimestamp:
			v, next, err := readFixed64(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.StartTimestamp, pos = int64(v), next
		case fieldEndTimestamp:
			v, next, err := readFixed64(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.EndTimestamp, pos = int64(v), next
		case fieldRegion:
			v, next, err := readLengthDelimited(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.Region, pos = string(v), next
		case fieldBatchNumber:
			v, next, err := readVarint(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.BatchNumber, pos = uint32(v), next
		case fieldBatchSize:
			v, next, err := readVarint(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.BatchSize, pos = uint32(v), next
		case fieldSignatureInfo:
			v, next, err := readLengthDelimited(r.body, pos)
			if err != nil {
				return Metadata{}, err
			}
			meta.SignatureInfo, pos = append([]byte(nil), v...), next
		default:
			next, err := skipValue(r.body, pos, wireType)
			if err != nil {
				return Metadata{}, err
			}
			pos = next
		}
	}
	return meta, nil
}

// Next returns the next TEK in file order, advancing the reader. It
// returns io.EOF once the body is exhausted with no further Key
// fields.
func (r *Reader) Next() (enmodel.TEK, error) {
	for r.cur < len(r.body) {
		field, wireType, next, err := readTag(r.body, r.cur)
		if err != nil {
			return enmodel.TEK{}, err
		}

		if field != fieldKey {
			skipped, err := skipValue(r.body, next, wireType)
			if err != nil {
				return enmodel.TEK{}, err
			}
			r.cur = skipped
			continue
		}

		payload, after, err := readLengthDelimited(r.body, next)
		if err != nil {
			return enmodel.TEK{}, err
		}
		r.cur = after

		tek, err := decodeKey(payload)
		if err != nil {
			return enmodel.TEK{}, err
		}
		return tek, nil
	}
	return enmodel.TEK{}, io.EOF
}

func decodeKey(data []byte) (enmodel.TEK, error) {
	var tek enmodel.TEK
	pos := 0
	for pos < len(data) {
		field, wireType, next, err := readTag(data, pos)
		if err != nil {
			return enmodel.TEK{}, err
		}
		pos = next

		switch field {
		case keyFieldKeyData:
			v, next, err := readLengthDelimited(data, pos)
			if err != nil {
				return enmodel.TEK{}, err
			}
			if len(v) != 16 {
				return enmodel.TEK{}, enerrors.New("tekfile.decodeKey", enerrors.BadFormat, "key_data must be 16 bytes, got %d", len(v))
			}
			copy(tek.KeyData[:], v)
			pos = next
		case keyFieldTransmissionRisk:
			v, next, err := readVarint(data, pos)
			if err != nil {
				return enmodel.TEK{}, err
			}
			tek.TransmissionRiskLevel, pos = uint8(v), next
		case keyFieldIntervalNumber:
			v, next, err := readVarint(data, pos)
			if err != nil {
				return enmodel.TEK{}, err
			}
			tek.RollingStartNumber, pos = uint32(v), next
		case keyFieldIntervalCount:
			v, next, err := readVarint(data, pos)
			if err != nil {
				return enmodel.TEK{}, err
			}
			tek.RollingPeriod, pos = uint32(v), next
		default:
			next, err := skipValue(data, pos, wireType)
			if err != nil {
				return enmodel.TEK{}, err
			}
			pos = next
		}
	}
	return tek, nil
}
