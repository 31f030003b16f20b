// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"sort"

	"github.com/lucernahealth/exposure-core/internal/enclave"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

const (
	mergeGapSeconds        = 4
	broadcastWindowSeconds = 20 * 60
)

// mergeGroup implements §4.5.3: sort by timestamp, fold observations
// within mergeGapSeconds of the previous kept one, then clamp each
// survivor's scan_interval against its predecessor.
func mergeGroup(group []enmodel.MatchedAdvertisement) []enmodel.MatchedAdvertisement {
	sorted := append([]enmodel.MatchedAdvertisement(nil), group...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	merged := make([]enmodel.MatchedAdvertisement, 0, len(sorted))
	for _, adv := range sorted {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if adv.Timestamp-last.Timestamp <= mergeGapSeconds {
				foldInto(last, adv)
				continue
			}
		}
		merged = append(merged, adv)
	}

	for i := 1; i < len(merged); i++ {
		a := &merged[i-1]
		b := &merged[i]
		if a.Timestamp > b.Timestamp-int64(b.ScanInterval) {
			clamped := b.Timestamp - a.Timestamp
			if clamped < 0 {
				clamped = 0
			}
			b.ScanInterval = uint16(clamped)
		}
	}
	return merged
}

// foldInto merges b into a in place: combined counter, weighted RSSI
// (or the smaller reading if either side is saturated, since the
// saturation sentinel 127 always loses a min() against a real
// negative dBm value), and saturated set from the merged RSSI.
func foldInto(a *enmodel.MatchedAdvertisement, b enmodel.MatchedAdvertisement) {
	cntA, cntB := int64(a.Counter), int64(b.Counter)

	var rssi int8
	if a.Saturated || b.Saturated {
		rssi = a.RSSI
		if b.RSSI < rssi {
			rssi = b.RSSI
		}
	} else {
		weighted := (int64(a.RSSI)*cntA + int64(b.RSSI)*cntB) / (cntA + cntB)
		rssi = int8(weighted)
	}

	a.RSSI = rssi
	a.Saturated = rssi == enmodel.SaturatedRSSI
	total := cntA + cntB
	if total > 255 {
		total = 255
	}
	a.Counter = uint8(total)
	a.Timestamp = b.Timestamp
}

// filterValidity implements §4.5.4, applied to one already-merged TEK
// group: drop implausible tx-power and attenuation readings, then
// drop any observation of a previously-seen RPI more than
// broadcastWindowSeconds after its first appearance in the group.
func filterValidity(group []enmodel.MatchedAdvertisement, tek enmodel.TEK) []enmodel.MatchedAdvertisement {
	plausible := make([]enmodel.MatchedAdvertisement, 0, len(group))
	for _, adv := range group {
		txPower, err := enclave.TxPowerFromAEM(adv.EncryptedAEM, tek, adv.RPI)
		if err != nil || txPower < -60 || txPower > 20 {
			continue
		}
		attenuation := enclave.Attenuation(tek, adv.RPI, adv.EncryptedAEM, adv.RSSI, adv.Saturated)
		if attenuation < 1 {
			continue
		}
		plausible = append(plausible, adv)
	}

	firstSeen := make(map[enmodel.RPI]int64, len(plausible))
	final := make([]enmodel.MatchedAdvertisement, 0, len(plausible))
	for _, adv := range plausible {
		first, ok := firstSeen[adv.RPI]
		if !ok {
			firstSeen[adv.RPI] = adv.Timestamp
			final = append(final, adv)
			continue
		}
		if adv.Timestamp-first > broadcastWindowSeconds {
			continue
		}
		final = append(final, adv)
	}
	return final
}
