// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

// exposureCache is the bounded in-memory exposure-record buffer from
// §4.5.6. Records beyond capacity are silently dropped. seen keys a
// fast, non-cryptographic dedup set over (TEK, exposure date) via
// blake3: a detection session may call MatchCount once per TEK-file
// batch, and the same TEK should not produce two cached records if it
// happens to recur across batches within one session.
type exposureCache struct {
	records  []enmodel.ExposureRecord
	capacity int
	seen     map[[32]byte]bool
}

func newExposureCache(storedCount int) *exposureCache {
	capacity := storedCount
	if capacity > DefaultCapacity || capacity < 0 {
		capacity = DefaultCapacity
	}
	return &exposureCache{capacity: capacity, seen: make(map[[32]byte]bool)}
}

func cacheKey(tek enmodel.TEK, date int64) [32]byte {
	var buf [24]byte
	copy(buf[:16], tek.KeyData[:])
	binary.LittleEndian.PutUint64(buf[16:], uint64(date))
	return blake3.Sum256(buf[:])
}

func (c *exposureCache) pushDedup(tek enmodel.TEK, record enmodel.ExposureRecord) {
	key := cacheKey(tek, record.Date)
	if c.seen[key] {
		return
	}
	c.seen[key] = true

	if len(c.records) >= c.capacity {
		return
	}
	c.records = append(c.records, record)
}

func (c *exposureCache) count() int { return len(c.records) }

func (c *exposureCache) enumerateRange(start, end, batchSize int, fn func([]enmodel.ExposureRecord) error) error {
	if batchSize <= 0 {
		batchSize = DefaultCacheBatchSize
	}
	if start < 0 {
		start = 0
	}
	if end > len(c.records) {
		end = len(c.records)
	}
	for i := start; i < end; i += batchSize {
		j := i + batchSize
		if j > end {
			j = end
		}
		if err := fn(c.records[i:j]); err != nil {
			return err
		}
	}
	return nil
}
