// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"math"
	"time"

	"github.com/lucernahealth/exposure-core/internal/enclave"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

// fineAttenuationThresholds are the 8 fixed fine-grid bucket
// boundaries from §4.5.5. The last threshold is u8's own maximum, so
// every attenuation value falls into one of the 8 bins.
var fineAttenuationThresholds = [8]uint8{10, 15, 27, 33, 51, 63, 73, 255}

// bucketGroup implements §4.5.5: builds one ExposureRecord from a
// filtered, merged TEK group, or reports false if the group is empty
// after filtering.
func bucketGroup(group []enmodel.MatchedAdvertisement, tek enmodel.TEK, cfg enmodel.Configuration) (enmodel.ExposureRecord, bool) {
	if len(group) == 0 {
		return enmodel.ExposureRecord{}, false
	}

	thresholds := cfg.AttenuationDurationThresholds
	if len(thresholds) == 0 {
		thresholds = enmodel.DefaultAttenuationDurationThresholds
	}

	earliest := group[0].Timestamp
	for _, adv := range group {
		if adv.Timestamp < earliest {
			earliest = adv.Timestamp
		}
	}

	var totalDuration int64
	var coarseDurations [4]int64
	var fineDurations [8]int64

	for _, adv := range group {
		duration := int64(adv.ScanInterval)
		totalDuration += duration

		if adv.Saturated {
			continue
		}
		attenuation := enclave.Attenuation(tek, adv.RPI, adv.EncryptedAEM, adv.RSSI, adv.Saturated)
		coarseDurations[bucketCoarse(attenuation, thresholds)] += duration
		fineDurations[bucketFine(attenuation)] += duration
	}

	var weightedSum, durationSum float64
	for i, d := range fineDurations {
		if d == 0 {
			continue
		}
		levelIndex := len(fineDurations) - 1 - i
		weightedSum += float64(d) * float64(cfg.AttenuationLevelValues[levelIndex])
		durationSum += float64(d)
	}
	var attenuationValue uint8
	if durationSum > 0 {
		attenuationValue = uint8(clampInt(int(math.Round(weightedSum/durationSum)), 0, 255))
	}

	record := enmodel.ExposureRecord{
		Date:                  flooredUTCDay(earliest),
		AttenuationValue:      attenuationValue,
		TransmissionRiskLevel: tek.TransmissionRiskLevel,
		TotalDuration:         uint16(capU16(totalDuration)),
	}
	for i := range record.AttenuationDurations {
		record.AttenuationDurations[i] = uint16(capU16(coarseDurations[i]))
	}
	return record, true
}

// bucketCoarse assigns an attenuation value to the lowest coarse
// attenuation-duration bin (the classic 50/70 dB thresholds, per
// spec.md §4.5.5) whose threshold it does not exceed. With
// len(thresholds) == 2 or 3, this yields indices in [0,
// len(thresholds)], i.e. 3 or 4 bins.
func bucketCoarse(attenuation uint8, thresholds []uint8) int {
	v := int(attenuation)
	for i, t := range thresholds {
		if v <= int(t) {
			return i
		}
	}
	return len(thresholds)
}

// bucketFine assigns an attenuation value to the lowest fine-grid bin
// whose threshold it does not exceed.
func bucketFine(attenuation uint8) int {
	for i, t := range fineAttenuationThresholds {
		if attenuation <= t {
			return i
		}
	}
	return len(fineAttenuationThresholds) - 1
}

func flooredUTCDay(timestamp int64) int64 {
	t := time.Unix(timestamp, 0).UTC()
	floored := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return floored.Unix()
}

func capU16(v int64) int64 {
	if v > 65535 {
		return 65535
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
