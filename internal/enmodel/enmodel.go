// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package enmodel defines the shared data model for the exposure
// notification detection core: Temporary Exposure Keys, Rolling
// Proximity Identifiers, persisted and in-memory advertisement
// records, exposure records and summaries, and exposure scoring
// configuration.
//
// Types in this package carry cbor struct tags (lib/codec) rather than
// json tags: ExposureSummary and ExposureRecord are the only values
// this module ever hands across a process boundary, and they do so
// exclusively through the deterministic CBOR encoding in lib/codec.
package enmodel

import "fmt"

// MaxRollingPeriod is the maximum number of 10-minute intervals a
// single TEK can cover (24 hours).
const MaxRollingPeriod = 144

// ENIntervalSeconds is the duration of one Exposure Notification
// Interval Number, in seconds.
const ENIntervalSeconds = 600

// InvalidDailyKeyIndex is the sentinel value marking a matched
// advertisement the pipeline has rejected.
const InvalidDailyKeyIndex = ^uint32(0)

// SaturatedRSSI is the sentinel RSSI value meaning the radio reported
// a floor/ceiling reading that carries no magnitude information.
const SaturatedRSSI int8 = 127

// TEK is a Temporary Exposure Key as read from a diagnosis key file.
type TEK struct {
	// KeyData is the 16-byte opaque key.
	KeyData [16]byte
	// RollingStartNumber is the ENIN at which this key's broadcast
	// window begins.
	RollingStartNumber uint32
	// RollingPeriod is the number of 10-minute intervals this key was
	// active for. Zero means "unset", which callers treat as the
	// default of 144. Values greater than 144 invalidate the key.
	RollingPeriod uint32
	// TransmissionRiskLevel is a caller-asserted risk level in 0..7.
	TransmissionRiskLevel uint8
}

// EffectiveRollingPeriod returns the rolling period to use for RPI
// expansion: the default of 144 when unset, the value itself when it
// is within range, or false as its second result when it exceeds
// MaxRollingPeriod. Per spec, values in [1, 144] are used as-is
// (truncating the session's interest in the key to fewer than 144
// slots); 0 defaults to 144.
func (t TEK) EffectiveRollingPeriod() (uint32, bool) {
	if t.RollingPeriod > MaxRollingPeriod {
		return 0, false
	}
	if t.RollingPeriod == 0 {
		return MaxRollingPeriod, true
	}
	return t.RollingPeriod, true
}

// RPI is a 16-byte Rolling Proximity Identifier.
type RPI [16]byte

// AEM is the 4-byte Associated Encrypted Metadata accompanying an RPI.
type AEM [4]byte

// Advertisement is a persisted row in the advertisement store: one
// observed BLE advertisement, primary-keyed on (RPI, Timestamp).
type Advertisement struct {
	RPI          RPI
	EncryptedAEM AEM
	Timestamp    int64 // seconds, platform epoch
	ScanInterval uint16 // seconds
	RSSI         int8   // SaturatedRSSI (127) marks a saturated reading
	Saturated    bool
	Counter      uint8 // number of raw reports merged into this row; >= 1
}

// Validate checks the persisted-row invariant counter >= 1, which a
// caller could otherwise violate by zero-value construction. The RPI
// and AEM lengths are fixed by their array types, so they need no
// runtime check; their contents are not checked.
func (a Advertisement) Validate() error {
	if a.Counter < 1 {
		return fmt.Errorf("enmodel: advertisement counter must be >= 1, got %d", a.Counter)
	}
	return nil
}

// MatchedAdvertisement is an Advertisement annotated during a store
// query with the position in the caller's RPI buffer that produced
// the match.
type MatchedAdvertisement struct {
	Advertisement

	// DailyKeyIndex is the index into the query's TEK batch, or
	// InvalidDailyKeyIndex if the pipeline has rejected this row.
	DailyKeyIndex uint32
	// RPIIndex is the position (0..143) within the TEK's rolling
	// window that produced the match.
	RPIIndex uint8
}

// Rejected reports whether the pipeline has marked this match invalid.
func (m MatchedAdvertisement) Rejected() bool {
	return m.DailyKeyIndex == InvalidDailyKeyIndex
}

// Reject marks the match invalid.
func (m *MatchedAdvertisement) Reject() {
	m.DailyKeyIndex = InvalidDailyKeyIndex
}

// ExposureRecord summarizes one TEK's worth of matched, merged,
// bucketed advertisements.
type ExposureRecord struct {
	// Date is the UTC day boundary (Unix seconds at 00:00:00 UTC)
	// floored from the earliest observation in the group.
	Date int64 `cbor:"date"`
	// AttenuationValue is the duration-weighted attenuation across the
	// 8 fine buckets.
	AttenuationValue uint8 `cbor:"attenuation_value"`
	// TransmissionRiskLevel is copied from the originating TEK.
	TransmissionRiskLevel uint8 `cbor:"transmission_risk_level"`
	// TotalDuration is the total observed duration in seconds, capped
	// at 65535.
	TotalDuration uint16 `cbor:"total_duration"`
	// AttenuationDurations holds seconds spent in each of the 4 coarse
	// attenuation-duration buckets (keyed on attenuation, per the
	// default 50/70 dB thresholds), capped at 65535 each.
	AttenuationDurations [4]uint16 `cbor:"attenuation_durations"`
}

// ExposureSummary is the final per-detection-session output.
type ExposureSummary struct {
	// AttenuationDurations are seconds (rounded up to 60-second
	// multiples, capped at 1800) per coarse bucket, indices 0..2.
	AttenuationDurations [3]uint16 `cbor:"attenuation_durations"`
	DaysSinceLastExposure int       `cbor:"days_since_last_exposure"`
	MatchedKeyCount       int       `cbor:"matched_key_count"`
	MaximumRiskScore      uint8     `cbor:"maximum_risk_score"`
	MaximumRiskScoreFullRange float64 `cbor:"maximum_risk_score_full_range"`
	RiskScoreSumFullRange     float64 `cbor:"risk_score_sum_full_range"`
}

// Configuration holds the level-value tables, weights, and thresholds
// that parameterize bucketing and risk scoring.
type Configuration struct {
	AttenuationLevelValues          [8]uint8
	DaysSinceLastExposureLevelValues [8]uint8
	DurationLevelValues              [8]uint8
	TransmissionRiskLevelValues      [8]uint8

	AttenuationWeight          float64
	DaysSinceLastExposureWeight float64
	DurationWeight              float64
	TransmissionRiskWeight      float64

	// AttenuationDurationThresholds holds 2 or 3 ascending u8
	// thresholds for the coarse API duration buckets. One further
	// implicit bucket catches everything above the last threshold.
	AttenuationDurationThresholds []uint8

	MinimumRiskScore         uint8
	MinimumRiskScoreFullRange float64
}

// DefaultAttenuationDurationThresholds are the spec's default coarse
// bucket thresholds.
var DefaultAttenuationDurationThresholds = []uint8{50, 70, 255}

// Validate rejects malformed configurations before they can silently
// misbucket exposure data at runtime. This guard is not named in
// spec.md itself; it is motivated by the reference implementation's
// equivalent config-validation step (see SPEC_FULL.md §11).
func (c Configuration) Validate() error {
	if len(c.AttenuationDurationThresholds) < 2 || len(c.AttenuationDurationThresholds) > 3 {
		return fmt.Errorf("enmodel: attenuation duration thresholds must have 2 or 3 entries, got %d",
			len(c.AttenuationDurationThresholds))
	}
	for i := 1; i < len(c.AttenuationDurationThresholds); i++ {
		if c.AttenuationDurationThresholds[i] <= c.AttenuationDurationThresholds[i-1] {
			return fmt.Errorf("enmodel: attenuation duration thresholds must be strictly ascending, got %v",
				c.AttenuationDurationThresholds)
		}
	}
	return nil
}
