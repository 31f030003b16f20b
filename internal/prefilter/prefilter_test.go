// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

package prefilter

import (
	"testing"

	"github.com/lucernahealth/exposure-core/internal/enmodel"
)

func rpiFromByte(b byte) enmodel.RPI {
	var rpi enmodel.RPI
	for i := range rpi {
		rpi[i] = b
	}
	return rpi
}

func TestNoFalseNegatives(t *testing.T) {
	filter, err := New(64, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 100; i++ {
		rpi := rpiFromByte(byte(i))
		filter.Insert(rpi)
	}
	for i := 0; i < 100; i++ {
		rpi := rpiFromByte(byte(i))
		if !filter.MaybePresent(rpi) {
			t.Fatalf("false negative for inserted RPI %d", i)
		}
	}
}

func TestInvalidConstruction(t *testing.T) {
	if _, err := New(0, 4); err == nil {
		t.Error("expected error for zero buffer size")
	}
	if _, err := New(64, 0); err == nil {
		t.Error("expected error for zero k")
	}
}
