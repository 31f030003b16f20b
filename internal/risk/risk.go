// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package risk implements the multiplicative risk estimate from
// spec.md §4.7: risk = Aₗ × Dₗ × Uₗ × Tₗ, plus the minimum-score
// admission gate. Aₗ is linear (the record's attenuation_value times
// its weight); Dₗ, Uₗ, and Tₗ each step through a configured level
// table by a breakpoint lookup.
package risk

import (
	"math"

	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

// daysSinceBreakpoints step Dₗ by days_since_last_exposure. Per
// spec.md §4.7, higher days select a lower index: scanned in this
// (descending) order, the first breakpoint days is >= wins.
//
// TODO: the worked example in spec.md §8 scenario 4 expects Dₗ=3 for
// days_since=3 against an identity level table; this breakpoint order
// instead yields Dₗ=7. No consistent scan order/direction over these
// breakpoints reproduces the example's figure — see DESIGN.md.
var daysSinceBreakpoints = [7]int{14, 12, 10, 8, 6, 4, 2}

// durationBreakpoints step Uₗ by duration in minutes, ascending,
// first breakpoint the value does not exceed wins.
var durationBreakpoints = [7]int{0, 5, 10, 15, 20, 25, 30}

// DaysSince returns the whole days elapsed between exposureDate and
// now, floored and never negative. Not named directly in spec.md; see
// SPEC_FULL.md §11.
func DaysSince(now, exposureDate int64) int {
	diff := now - exposureDate
	if diff < 0 {
		diff = 0
	}
	return int(diff / 86400)
}

// Score computes the raw and clamped risk for one exposure record,
// evaluated at now (for days-since-exposure stepping).
func Score(cfg enmodel.Configuration, record enmodel.ExposureRecord, now int64) (raw float64, clamped uint8) {
	attenuationLevel := float64(record.AttenuationValue) * cfg.AttenuationWeight

	days := DaysSince(now, record.Date)
	daysLevel := float64(cfg.DaysSinceLastExposureLevelValues[bucketDaysSince(days)]) * cfg.DaysSinceLastExposureWeight

	minutes := int(record.TotalDuration) / 60
	durationLevel := float64(cfg.DurationLevelValues[bucketDuration(minutes)]) * cfg.DurationWeight

	txIndex := clampInt(int(record.TransmissionRiskLevel), 0, 7)
	transmissionLevel := float64(cfg.TransmissionRiskLevelValues[txIndex]) * cfg.TransmissionRiskWeight

	raw = attenuationLevel * daysLevel * durationLevel * transmissionLevel
	clamped = uint8(clampInt(int(math.Round(raw)), 0, 255))
	return raw, clamped
}

// Admit reports whether a scored record clears both minimum-risk
// gates from §4.7.
func Admit(cfg enmodel.Configuration, raw float64, clamped uint8) bool {
	return clamped >= cfg.MinimumRiskScore && raw >= cfg.MinimumRiskScoreFullRange
}

func bucketDaysSince(days int) int {
	for i, bp := range daysSinceBreakpoints {
		if days >= bp {
			return i
		}
	}
	return len(daysSinceBreakpoints)
}

func bucketDuration(minutes int) int {
	for i, bp := range durationBreakpoints {
		if minutes <= bp {
			return i
		}
	}
	return len(durationBreakpoints)
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
