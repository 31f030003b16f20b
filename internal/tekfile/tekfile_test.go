// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package tekfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
)

func appendVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func appendTag(buf *bytes.Buffer, field int, wireType int) {
	appendVarint(buf, uint64(field<<3|wireType))
}

func appendFixed64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func appendLengthDelimited(buf *bytes.Buffer, v []byte) {
	appendVarint(buf, uint64(len(v)))
	buf.Write(v)
}

func appendKey(buf *bytes.Buffer, keyData [16]byte, transmissionRisk uint8, intervalNumber, intervalCount uint32) {
	var key bytes.Buffer
	appendTag(&key, keyFieldKeyData, wireLengthDelimited)
	appendLengthDelimited(&key, keyData[:])
	appendTag(&key, keyFieldTransmissionRisk, wireVarint)
	appendVarint(&key, uint64(transmissionRisk))
	appendTag(&key, keyFieldIntervalNumber, wireVarint)
	appendVarint(&key, uint64(intervalNumber))
	appendTag(&key, keyFieldIntervalCount, wireVarint)
	appendVarint(&key, uint64(intervalCount))

	appendTag(buf, fieldKey, wireLengthDelimited)
	appendLengthDelimited(buf, key.Bytes())
}

func buildFile(t *testing.T, body []byte) []byte {
	t.Helper()
	var file bytes.Buffer
	file.Write(Identifier[:])
	file.Write(body)
	return file.Bytes()
}

func TestOpenRejectsShortFile(t *testing.T) {
	_, err := Open(bytes.NewReader([]byte("too short")))
	if enerrors.KindOf(err) != enerrors.BadFormat {
		t.Fatalf("got %v, want BadFormat", err)
	}
}

func TestOpenRejectsWrongIdentifier(t *testing.T) {
	bad := bytes.Repeat([]byte{'X'}, 16)
	_, err := Open(bytes.NewReader(bad))
	if enerrors.KindOf(err) != enerrors.BadFormat {
		t.Fatalf("got %v, want BadFormat", err)
	}
}

func TestMetadataAndIterationRoundTrip(t *testing.T) {
	var body bytes.Buffer
	appendTag(&body, fieldStartTimestamp, wireFixed64)
	appendFixed64(&body, 1000)
	appendTag(&body, fieldEndTimestamp, wireFixed64)
	appendFixed64(&body, 2000)
	appendTag(&body, fieldRegion, wireLengthDelimited)
	appendLengthDelimited(&body, []byte("US"))
	appendTag(&body, fieldBatchNumber, wireVarint)
	appendVarint(&body, 1)
	appendTag(&body, fieldBatchSize, wireVarint)
	appendVarint(&body, 1)
	appendTag(&body, fieldSignatureInfo, wireLengthDelimited)
	appendLengthDelimited(&body, []byte("sig"))

	var keyA, keyB [16]byte
	for i := range keyA {
		keyA[i] = byte(i)
		keyB[i] = byte(i + 1)
	}
	appendKey(&body, keyA, 3, 2650847, 144)
	appendKey(&body, keyB, 5, 2650991, 144)

	file := buildFile(t, body.Bytes())
	r, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.StartTimestamp != 1000 || meta.EndTimestamp != 2000 {
		t.Errorf("timestamps = %d, %d", meta.StartTimestamp, meta.EndTimestamp)
	}
	if meta.Region != "US" {
		t.Errorf("region = %q, want US", meta.Region)
	}
	if meta.BatchNumber != 1 || meta.BatchSize != 1 {
		t.Errorf("batch = %d/%d, want 1/1", meta.BatchNumber, meta.BatchSize)
	}
	if string(meta.SignatureInfo) != "sig" {
		t.Errorf("signature info = %q, want sig", meta.SignatureInfo)
	}

	tek1, err := r.Next()
	if err != nil {
		t.Fatalf("Next 1: %v", err)
	}
	if tek1.KeyData != keyA || tek1.TransmissionRiskLevel != 3 || tek1.RollingStartNumber != 2650847 {
		t.Errorf("tek1 = %+v", tek1)
	}

	// Interleaved Metadata() call must not disturb iteration position.
	if _, err := r.Metadata(); err != nil {
		t.Fatalf("Metadata (interleaved): %v", err)
	}

	tek2, err := r.Next()
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}
	if tek2.KeyData != keyB || tek2.TransmissionRiskLevel != 5 {
		t.Errorf("tek2 = %+v", tek2)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next 3 = %v, want io.EOF", err)
	}
}

func TestNextSkipsInterleavedMetadataFields(t *testing.T) {
	var body bytes.Buffer
	var key [16]byte
	appendKey(&body, key, 1, 100, 144)
	appendTag(&body, fieldRegion, wireLengthDelimited)
	appendLengthDelimited(&body, []byte("US"))
	appendKey(&body, key, 2, 200, 144)

	file := buildFile(t, body.Bytes())
	r, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestDeclaredLengthOverrun(t *testing.T) {
	var body bytes.Buffer
	appendTag(&body, fieldKey, wireLengthDelimited)
	appendVarint(&body, 100) // declares 100 bytes, more than the whole 2-byte body

	file := buildFile(t, body.Bytes())
	r, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = r.Next()
	if enerrors.KindOf(err) != enerrors.Overrun {
		t.Fatalf("got %v, want Overrun", err)
	}
}

func TestTruncatedVarintUnderrun(t *testing.T) {
	body := []byte{byte(fieldBatchNumber<<3 | wireVarint), 0x80} // continuation bit set, no terminator
	file := buildFile(t, body)
	r, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = r.Metadata()
	if enerrors.KindOf(err) != enerrors.Underrun {
		t.Fatalf("got %v, want Underrun", err)
	}
}

func TestKeyDataWrongLengthIsBadFormat(t *testing.T) {
	var body bytes.Buffer
	var key bytes.Buffer
	appendTag(&key, keyFieldKeyData, wireLengthDelimited)
	appendLengthDelimited(&key, []byte{1, 2, 3})
	appendTag(&body, fieldKey, wireLengthDelimited)
	appendLengthDelimited(&body, key.Bytes())

	file := buildFile(t, body.Bytes())
	r, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = r.Next()
	if enerrors.KindOf(err) != enerrors.BadFormat {
		t.Fatalf("got %v, want BadFormat", err)
	}
}

func TestDigestStableAcrossReopens(t *testing.T) {
	file := buildFile(t, nil)
	r1, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	r2, err := Open(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	if r1.Digest() != r2.Digest() {
		t.Fatalf("digests differ across identical files")
	}
}
