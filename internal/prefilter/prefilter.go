// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package prefilter implements a probabilistic pre-filter over stored
// RPIs: a fixed-size bit array with k independent-looking hashes,
// tested before a query session spends a store round-trip on an RPI
// that cannot possibly be present.
//
// Per spec.md §9 Open Questions, the hash family here is the
// XOR-of-halves construction the source implementation uses (giving
// correlated hashes across k), not independent per-salt hash
// functions. That tradeoff is retained deliberately — see DESIGN.md.
package prefilter

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

// Filter is a fixed-size Bloom filter over 128-bit RPIs. Salts are
// process-local: generated fresh at construction and never persisted,
// per spec.md §4.2 and §5.
type Filter struct {
	bits  []byte
	salts []uint64
	nbits uint64
}

// New allocates a Filter with bufferSize bytes of backing storage and
// k random salts. bufferSize and k must both be positive.
func New(bufferSize int, k int) (*Filter, error) {
	if bufferSize <= 0 {
		return nil, enerrors.New("prefilter.New", enerrors.InvalidArgument, "bufferSize must be positive, got %d", bufferSize)
	}
	if k <= 0 {
		return nil, enerrors.New("prefilter.New", enerrors.InvalidArgument, "k must be positive, got %d", k)
	}

	salts := make([]uint64, k)
	var saltBytes [8]byte
	for i := range salts {
		if _, err := rand.Read(saltBytes[:]); err != nil {
			return nil, enerrors.Wrap("prefilter.New", enerrors.Internal, err)
		}
		salts[i] = binary.LittleEndian.Uint64(saltBytes[:])
	}

	return &Filter{
		bits:  make([]byte, bufferSize),
		salts: salts,
		nbits: uint64(bufferSize) * 8,
	}, nil
}

// K returns the number of hash functions in use.
func (f *Filter) K() int { return len(f.salts) }

func (f *Filter) hash(rpi enmodel.RPI, salt uint64) uint64 {
	low := binary.LittleEndian.Uint64(rpi[:8])
	high := binary.LittleEndian.Uint64(rpi[8:])
	return (low ^ high ^ salt) % f.nbits
}

func (f *Filter) setBit(index uint64) {
	f.bits[index/8] |= 1 << (index % 8)
}

func (f *Filter) getBit(index uint64) bool {
	return f.bits[index/8]&(1<<(index%8)) != 0
}

// Insert sets all k bits for rpi.
func (f *Filter) Insert(rpi enmodel.RPI) {
	for _, salt := range f.salts {
		f.setBit(f.hash(rpi, salt))
	}
}

// MaybePresent reports whether all k bits for rpi are set. Returns
// false only if rpi was never inserted (no false negatives); may
// return true for an RPI that was never inserted (false positives are
// expected and governed by filter size and k).
func (f *Filter) MaybePresent(rpi enmodel.RPI) bool {
	for _, salt := range f.salts {
		if !f.getBit(f.hash(rpi, salt)) {
			return false
		}
	}
	return true
}
