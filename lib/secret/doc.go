// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as derived cryptographic keys.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing key material does not persist after release.
//
// The exposure-detection core uses this package for RPIK and AEMK keys
// derived per TEK (see internal/enclave): each key lives only for the
// duration of the derivation and its immediate use (one batch of RPI
// encryption, one AEM decryption) and is closed immediately after.
//
// Constructors: [New] allocates a zero-filled buffer of a given size;
// [NewFromBytes] copies into protected memory and zeros the source.
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy for API boundaries). After Close, any
// access panics. Close is idempotent.
//
// Depends on golang.org/x/sys/unix. No dependencies on other packages
// in this module.
package secret
