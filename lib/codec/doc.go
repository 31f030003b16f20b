// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides this module's standard CBOR encoding
// configuration.
//
// The detection core uses CBOR for one purpose: producing a stable,
// deterministic wire encoding of ExposureSummary and ExposureRecord
// values (internal/enmodel) so a caller can hand the result of a
// detection session to another process without inventing an ad hoc
// serialization. This is data representation, not the distributed
// coordination the spec places out of scope — nothing in this module
// transports the encoded bytes anywhere.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes.
//
//	data, err := codec.Marshal(summary)
//	err = codec.Unmarshal(data, &summary)
package codec
