// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"testing"
	"time"

	"github.com/lucernahealth/exposure-core/internal/enclave"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/internal/prefilter"
	"github.com/lucernahealth/exposure-core/lib/clock"
)

// fakeStore is a minimal in-memory Store for testing the query
// pipeline without an on-disk SQLite file.
type fakeStore struct {
	rows []enmodel.Advertisement
}

func (f *fakeStore) StoredCount(ctx context.Context) (uint64, error) {
	return uint64(len(f.rows)), nil
}

func (f *fakeStore) BuildPrefilter(ctx context.Context, bufferSize, k int) (*prefilter.Filter, error) {
	filter, err := prefilter.New(bufferSize, k)
	if err != nil {
		return nil, err
	}
	for _, row := range f.rows {
		filter.Insert(row.RPI)
	}
	return filter, nil
}

func (f *fakeStore) Match(ctx context.Context, rpiBuffer []byte, validity []bool) ([]enmodel.MatchedAdvertisement, error) {
	bufferLen := len(rpiBuffer) / 16
	firstIndex := make(map[enmodel.RPI]int)
	for i := 0; i < bufferLen; i++ {
		if !validity[i] {
			continue
		}
		var rpi enmodel.RPI
		copy(rpi[:], rpiBuffer[i*16:(i+1)*16])
		if _, ok := firstIndex[rpi]; !ok {
			firstIndex[rpi] = i
		}
	}

	var out []enmodel.MatchedAdvertisement
	for _, row := range f.rows {
		i, ok := firstIndex[row.RPI]
		if !ok {
			continue
		}
		out = append(out, enmodel.MatchedAdvertisement{
			Advertisement: row,
			DailyKeyIndex: uint32(i / enmodel.MaxRollingPeriod),
			RPIIndex:      uint8(i % enmodel.MaxRollingPeriod),
		})
	}
	return out, nil
}

func identityConfiguration() enmodel.Configuration {
	return enmodel.Configuration{
		AttenuationLevelValues:           [8]uint8{1, 2, 3, 4, 5, 6, 7, 8},
		DaysSinceLastExposureLevelValues: [8]uint8{1, 2, 3, 4, 5, 6, 7, 8},
		DurationLevelValues:              [8]uint8{1, 2, 3, 4, 5, 6, 7, 8},
		TransmissionRiskLevelValues:      [8]uint8{1, 2, 3, 4, 5, 6, 7, 8},
		AttenuationWeight:                1,
		DaysSinceLastExposureWeight:      1,
		DurationWeight:                   1,
		TransmissionRiskWeight:           1,
		AttenuationDurationThresholds:    []uint8{50, 70, 255},
		MinimumRiskScore:                 0,
		MinimumRiskScoreFullRange:        0,
	}
}

func TestMatchCountSingleSlotMatch(t *testing.T) {
	var keyData [16]byte
	const rollingStart = 2649600
	const j = 10

	tek := enmodel.TEK{KeyData: keyData, RollingStartNumber: rollingStart, RollingPeriod: 144, TransmissionRiskLevel: 3}
	rpi, err := enclave.RPIFor(tek, rollingStart+j)
	if err != nil {
		t.Fatalf("RPIFor: %v", err)
	}
	aem, err := enclave.EncryptAEM([4]byte{0x10, 0x00, 0, 0}, tek, rpi)
	if err != nil {
		t.Fatalf("EncryptAEM: %v", err)
	}

	timestamp := int64(rollingStart+j) * enmodel.ENIntervalSeconds + 100
	now := timestamp + 60

	store := &fakeStore{rows: []enmodel.Advertisement{{
		RPI: rpi, EncryptedAEM: aem, Timestamp: timestamp,
		ScanInterval: 4, RSSI: -50, Counter: 1,
	}}}

	session, err := New(context.Background(), Config{
		Store:                store,
		AttenuationThreshold: 0xFF,
		Configuration:        identityConfiguration(),
		CacheExposureInfo:    true,
		Clock:                clock.Fake(time.Unix(now, 0)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	produced, err := session.MatchCount(context.Background(), []enmodel.TEK{tek})
	if err != nil {
		t.Fatalf("MatchCount: %v", err)
	}
	if produced != 1 {
		t.Fatalf("produced = %d, want 1", produced)
	}
	if session.CachedExposureInfoCount() != 1 {
		t.Fatalf("cached count = %d, want 1", session.CachedExposureInfoCount())
	}
}

func TestRollingPeriodOverflowRejectsEntireTEK(t *testing.T) {
	var keyData [16]byte
	tek := enmodel.TEK{KeyData: keyData, RollingStartNumber: 1000, RollingPeriod: 200}

	_, validity, deduped, err := expandTEKs([]enmodel.TEK{tek}, nil)
	if err != nil {
		t.Fatalf("expandTEKs: %v", err)
	}
	if len(deduped) != 1 {
		t.Fatalf("deduped = %d, want 1", len(deduped))
	}
	for i, v := range validity {
		if v {
			t.Fatalf("slot %d valid, want all invalid for rolling_period=200", i)
		}
	}
}

func TestMergeFoldsCloseObservations(t *testing.T) {
	rpi := enmodel.RPI{1}
	group := []enmodel.MatchedAdvertisement{
		{Advertisement: enmodel.Advertisement{RPI: rpi, Timestamp: 1000, RSSI: -60, Counter: 1, ScanInterval: 4}},
		{Advertisement: enmodel.Advertisement{RPI: rpi, Timestamp: 1003, RSSI: -70, Counter: 1, ScanInterval: 4}},
	}
	merged := mergeGroup(group)
	if len(merged) != 1 {
		t.Fatalf("merged length = %d, want 1", len(merged))
	}
	if merged[0].Counter != 2 {
		t.Errorf("counter = %d, want 2", merged[0].Counter)
	}
	if merged[0].RSSI != -65 {
		t.Errorf("rssi = %d, want -65", merged[0].RSSI)
	}
	if merged[0].ScanInterval != 4 {
		t.Errorf("scan_interval = %d, want untouched 4", merged[0].ScanInterval)
	}
}

func TestBroadcastWindowDropsThirdObservation(t *testing.T) {
	var keyData [16]byte
	tek := enmodel.TEK{KeyData: keyData, RollingStartNumber: 0, RollingPeriod: 144}

	rpi, err := enclave.RPIFor(tek, 0)
	if err != nil {
		t.Fatalf("RPIFor: %v", err)
	}
	aem, err := enclave.EncryptAEM([4]byte{0, 0x00, 0, 0}, tek, rpi)
	if err != nil {
		t.Fatalf("EncryptAEM: %v", err)
	}

	mk := func(ts int64) enmodel.MatchedAdvertisement {
		return enmodel.MatchedAdvertisement{Advertisement: enmodel.Advertisement{
			RPI: rpi, EncryptedAEM: aem, Timestamp: ts, RSSI: -50, Counter: 1, ScanInterval: 4,
		}}
	}

	group := mergeGroup([]enmodel.MatchedAdvertisement{mk(0), mk(600), mk(1300)})
	filtered := filterValidity(group, tek)
	if len(filtered) != 2 {
		t.Fatalf("filtered length = %d, want 2 (t=0 and t=600 survive, t=1300 dropped)", len(filtered))
	}
	for _, adv := range filtered {
		if adv.Timestamp == 1300 {
			t.Fatalf("t=1300 observation should have been dropped by the broadcast window")
		}
	}
}

func TestTxPowerOutOfRangeDropped(t *testing.T) {
	var keyData [16]byte
	tek := enmodel.TEK{KeyData: keyData}
	rpi, err := enclave.RPIFor(tek, 0)
	if err != nil {
		t.Fatalf("RPIFor: %v", err)
	}
	// tx-power byte = -80 (0xB0), outside [-60, 20].
	aem, err := enclave.EncryptAEM([4]byte{0, 0xB0, 0, 0}, tek, rpi)
	if err != nil {
		t.Fatalf("EncryptAEM: %v", err)
	}
	group := []enmodel.MatchedAdvertisement{{Advertisement: enmodel.Advertisement{
		RPI: rpi, EncryptedAEM: aem, Timestamp: 100, RSSI: -50, Counter: 1, ScanInterval: 4,
	}}}
	filtered := filterValidity(group, tek)
	if len(filtered) != 0 {
		t.Fatalf("filtered length = %d, want 0 (implausible tx-power)", len(filtered))
	}
}

func TestBucketCoarseDefaultThresholds(t *testing.T) {
	thresholds := enmodel.DefaultAttenuationDurationThresholds
	cases := []struct {
		attenuation uint8
		want        int
	}{
		{0, 0}, {50, 0}, {51, 1}, {70, 1}, {71, 2}, {255, 2},
	}
	for _, c := range cases {
		if got := bucketCoarse(c.attenuation, thresholds); got != c.want {
			t.Errorf("bucketCoarse(%d) = %d, want %d", c.attenuation, got, c.want)
		}
	}
}

func TestBucketCoarseOverflowBinWithShortThresholds(t *testing.T) {
	// With only 2 configured thresholds, an attenuation above both
	// falls into the implicit 3rd (overflow) bin.
	thresholds := []uint8{50, 70}
	if got := bucketCoarse(200, thresholds); got != 2 {
		t.Errorf("bucketCoarse(200) = %d, want 2 (overflow bin)", got)
	}
}

func TestBucketFineBoundaries(t *testing.T) {
	cases := []struct {
		value uint8
		want  int
	}{
		{0, 0}, {10, 0}, {11, 1}, {15, 1}, {16, 2}, {255, 7},
	}
	for _, c := range cases {
		if got := bucketFine(c.value); got != c.want {
			t.Errorf("bucketFine(%d) = %d, want %d", c.value, got, c.want)
		}
	}
}
