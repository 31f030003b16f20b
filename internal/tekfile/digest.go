// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package tekfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Digest is a SHA-256 content digest of a TEK file, computed once at
// Open time and retained for later signature verification (itself out
// of scope for this package per spec.md §1 — signature verification
// is an external collaborator's job; this package only produces the
// digest that collaborator checks against).
//
// Adapted from the teacher's lib/binhash (which hashes a file by
// path, for binary-change detection): here the file arrives as an
// io.Reader, so Open hashes the identifier and the body it has already
// buffered rather than reopening a path.
type Digest [32]byte

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// hashFully streams the remainder of r through SHA-256, returning the
// digest over everything read from r in this call.
func hashFully(r io.Reader) (Digest, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, fmt.Errorf("tekfile: hashing file: %w", err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
