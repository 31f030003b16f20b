// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"github.com/lucernahealth/exposure-core/internal/enclave"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

const (
	ageCutoffSeconds  = 14 * 24 * 3600
	ctinToleranceENIN = 12
)

// annotateMatches implements §4.5.2: rejects any match whose age,
// CTIN consistency, or gating attenuation fails, marking it via
// MatchedAdvertisement.Reject. Returns the number of matches rejected
// by this pass.
func annotateMatches(matches []enmodel.MatchedAdvertisement, teks []enmodel.TEK, now int64, threshold uint8) int {
	dropped := 0
	for i := range matches {
		m := &matches[i]
		if m.Rejected() {
			continue
		}
		if int(m.DailyKeyIndex) >= len(teks) {
			m.Reject()
			dropped++
			continue
		}
		tek := teks[m.DailyKeyIndex]

		if m.Timestamp <= now-ageCutoffSeconds {
			m.Reject()
			dropped++
			continue
		}

		dailyKeyRPIIndex := uint32(m.RPIIndex) + tek.RollingStartNumber
		observedENIN := uint32(m.Timestamp / enmodel.ENIntervalSeconds)
		if absDiffU32(observedENIN, dailyKeyRPIIndex) > ctinToleranceENIN {
			m.Reject()
			dropped++
			continue
		}

		attenuation := enclave.Attenuation(tek, m.RPI, m.EncryptedAEM, m.RSSI, m.Saturated)
		if attenuation >= threshold {
			m.Reject()
			dropped++
			continue
		}
	}
	return dropped
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// groupByTEK partitions surviving (non-rejected) matches by
// DailyKeyIndex, preserving the order each index was first
// encountered in the input.
func groupByTEK(matches []enmodel.MatchedAdvertisement) ([]uint32, map[uint32][]enmodel.MatchedAdvertisement) {
	order := make([]uint32, 0)
	groups := make(map[uint32][]enmodel.MatchedAdvertisement)
	for _, m := range matches {
		if m.Rejected() {
			continue
		}
		if _, ok := groups[m.DailyKeyIndex]; !ok {
			order = append(order, m.DailyKeyIndex)
		}
		groups[m.DailyKeyIndex] = append(groups[m.DailyKeyIndex], m)
	}
	return order, groups
}
