// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"github.com/lucernahealth/exposure-core/internal/enclave"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/internal/prefilter"
)

// expandTEKs implements §4.5.1: deduplicate teks by key bytes, expand
// each into 144 RPIs, and mark each slot valid iff the inline
// pre-filter reports it might be present (or unconditionally, absent
// a pre-filter). Returns the deduplicated TEK list alongside the
// buffer and validity array so callers can index teks[dailyKeyIndex].
func expandTEKs(teks []enmodel.TEK, filter *prefilter.Filter) (rpiBuffer []byte, validity []bool, deduped []enmodel.TEK, err error) {
	deduped = dedupeByKeyBytes(teks)
	n := len(deduped)

	rpiBuffer = make([]byte, n*enmodel.MaxRollingPeriod*16)
	validity = make([]bool, n*enmodel.MaxRollingPeriod)

	for i, tek := range deduped {
		rp, ok := tek.EffectiveRollingPeriod()
		if !ok {
			// rolling_period > 144: reject the entire TEK, all 144
			// slots remain invalid.
			continue
		}

		block, err := enclave.BatchRPI(tek, tek.RollingStartNumber, enmodel.MaxRollingPeriod)
		if err != nil {
			return nil, nil, nil, err
		}
		copy(rpiBuffer[i*enmodel.MaxRollingPeriod*16:], block)

		for j := 0; j < int(rp); j++ {
			idx := i*enmodel.MaxRollingPeriod + j
			if filter == nil {
				validity[idx] = true
				continue
			}
			var rpi enmodel.RPI
			copy(rpi[:], block[j*16:(j+1)*16])
			validity[idx] = filter.MaybePresent(rpi)
		}
	}

	return rpiBuffer, validity, deduped, nil
}

func dedupeByKeyBytes(teks []enmodel.TEK) []enmodel.TEK {
	seen := make(map[[16]byte]bool, len(teks))
	out := make([]enmodel.TEK, 0, len(teks))
	for _, tek := range teks {
		if seen[tek.KeyData] {
			continue
		}
		seen[tek.KeyData] = true
		out = append(out, tek)
	}
	return out
}
