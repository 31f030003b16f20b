// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package advstore

import (
	"context"
	"testing"

	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: ":memory:", PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func rpiFromByte(b byte) enmodel.RPI {
	var rpi enmodel.RPI
	for i := range rpi {
		rpi[i] = b
	}
	return rpi
}

func TestInsertAndStoredCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	count, err := store.StoredCount(ctx)
	if err != nil {
		t.Fatalf("StoredCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("initial count = %d, want 0", count)
	}

	ad := enmodel.Advertisement{
		RPI:          rpiFromByte(1),
		EncryptedAEM: enmodel.AEM{1, 2, 3, 4},
		Timestamp:    1000,
		ScanInterval: 4,
		RSSI:         -50,
		Counter:      1,
	}
	if err := store.Insert(ctx, ad); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	count, err = store.StoredCount(ctx)
	if err != nil {
		t.Fatalf("StoredCount after insert: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after insert = %d, want 1", count)
	}
}

func TestMatchCompleteness(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	target := rpiFromByte(7)
	ad := enmodel.Advertisement{
		RPI:          target,
		EncryptedAEM: enmodel.AEM{9, 9, 9, 9},
		Timestamp:    5000,
		ScanInterval: 4,
		RSSI:         -60,
		Counter:      1,
	}
	if err := store.Insert(ctx, ad); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Build a buffer of 3 TEKs * 144 slots, with the target RPI at
	// slot index 150 (daily key index 1, rpi index 6).
	const slot = 150
	buffer := make([]byte, 3*144*16)
	validity := make([]bool, 3*144)
	copy(buffer[slot*16:(slot+1)*16], target[:])
	validity[slot] = true

	matches, err := store.Match(ctx, buffer, validity)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].DailyKeyIndex != 1 {
		t.Errorf("DailyKeyIndex = %d, want 1", matches[0].DailyKeyIndex)
	}
	if matches[0].RPIIndex != 6 {
		t.Errorf("RPIIndex = %d, want 6", matches[0].RPIIndex)
	}
}

func TestMatchNoFalsePositiveForAbsentRPI(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	present := rpiFromByte(1)
	if err := store.Insert(ctx, enmodel.Advertisement{
		RPI: present, EncryptedAEM: enmodel.AEM{1, 1, 1, 1}, Timestamp: 10,
		ScanInterval: 4, RSSI: -50, Counter: 1,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	absent := rpiFromByte(2)
	buffer := make([]byte, 144*16)
	copy(buffer[:16], absent[:])
	validity := make([]bool, 144)
	validity[0] = true

	matches, err := store.Match(ctx, buffer, validity)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %d, want 0", len(matches))
	}
}

func TestPurgeRemovesOldRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	old := enmodel.Advertisement{RPI: rpiFromByte(1), EncryptedAEM: enmodel.AEM{1, 1, 1, 1}, Timestamp: 100, ScanInterval: 4, RSSI: -50, Counter: 1}
	recent := enmodel.Advertisement{RPI: rpiFromByte(2), EncryptedAEM: enmodel.AEM{1, 1, 1, 1}, Timestamp: 10000, ScanInterval: 4, RSSI: -50, Counter: 1}
	if err := store.Insert(ctx, old); err != nil {
		t.Fatalf("Insert old: %v", err)
	}
	if err := store.Insert(ctx, recent); err != nil {
		t.Fatalf("Insert recent: %v", err)
	}

	deleted, err := store.Purge(ctx, 5000)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	count, err := store.StoredCount(ctx)
	if err != nil {
		t.Fatalf("StoredCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after purge = %d, want 1", count)
	}
}

func TestBuildPrefilterNoFalseNegatives(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rpis := []enmodel.RPI{rpiFromByte(1), rpiFromByte(2), rpiFromByte(3)}
	for i, rpi := range rpis {
		if err := store.Insert(ctx, enmodel.Advertisement{
			RPI: rpi, EncryptedAEM: enmodel.AEM{1, 1, 1, 1}, Timestamp: int64(i), ScanInterval: 4, RSSI: -50, Counter: 1,
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	filter, err := store.BuildPrefilter(ctx, 64, 4)
	if err != nil {
		t.Fatalf("BuildPrefilter: %v", err)
	}

	for _, rpi := range rpis {
		if !filter.MaybePresent(rpi) {
			t.Errorf("false negative for %x", rpi)
		}
	}
}
