// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package enclave implements the deterministic TEK→RPIK/AEMK key
// schedule and the RPI/AEM cryptographic operations built on it.
//
// Every derived key is held in a lib/secret.Buffer for the minimum
// lifetime needed to perform one cryptographic operation, adapting the
// per-artifact key derivation pattern from the teacher's artifact
// encryption keyset (HKDF-SHA256, never cached, closed immediately
// after use) from encrypting artifact blobs to deriving RPIK/AEMK.
//
// AES-128-ECB has no third-party implementation in this module's
// dependency set (Go's standard library omits cipher.NewECBEncrypter
// deliberately, since ECB is unsafe for general-purpose use) — here it
// is required verbatim by the wire protocol, and "ECB over fixed-size
// blocks" is just "encrypt each block independently with the same
// key," which crypto/aes's block cipher does directly with no chaining
// logic to get wrong. This is the one stdlib-only primitive in the
// crypto package; see DESIGN.md.
package enclave

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/lib/secret"
)

var (
	infoRPIK = []byte("EN-RPIK")
	infoAEMK = []byte("EN-AEMK")
	rpiPrefix = []byte("EN-RPI")
)

// DeriveRPIK derives the 16-byte Rolling Proximity Identifier Key from
// a TEK via HKDF-SHA256 with an empty salt and info "EN-RPIK". The
// caller must Close the returned buffer.
func DeriveRPIK(tek enmodel.TEK) (*secret.Buffer, error) {
	return deriveKey(tek.KeyData[:], infoRPIK)
}

// DeriveAEMK derives the 16-byte Associated Encrypted Metadata Key
// from a TEK via HKDF-SHA256 with an empty salt and info "EN-AEMK".
// The caller must Close the returned buffer.
func DeriveAEMK(tek enmodel.TEK) (*secret.Buffer, error) {
	return deriveKey(tek.KeyData[:], infoAEMK)
}

func deriveKey(ikm []byte, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, ikm, nil, info)
	derived := make([]byte, 16)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, enerrors.Wrap("enclave.deriveKey", enerrors.CryptoFailure, err)
	}
	buffer, err := secret.NewFromBytes(derived)
	if err != nil {
		return nil, enerrors.Wrap("enclave.deriveKey", enerrors.CryptoFailure, err)
	}
	return buffer, nil
}

// rpiBlock builds the 16-byte ECB input block for a given interval
// number: "EN-RPI" ‖ six zero bytes ‖ little-endian u32(interval).
func rpiBlock(intervalNumber uint32) [16]byte {
	var block [16]byte
	copy(block[:6], rpiPrefix)
	binary.LittleEndian.PutUint32(block[12:16], intervalNumber)
	return block
}

// RPIFor computes the single RPI for a TEK at the given interval
// number.
func RPIFor(tek enmodel.TEK, intervalNumber uint32) (enmodel.RPI, error) {
	rpik, err := DeriveRPIK(tek)
	if err != nil {
		return enmodel.RPI{}, err
	}
	defer rpik.Close()

	block, err := aes.NewCipher(rpik.Bytes())
	if err != nil {
		return enmodel.RPI{}, enerrors.Wrap("enclave.RPIFor", enerrors.CryptoFailure, err)
	}

	input := rpiBlock(intervalNumber)
	var out enmodel.RPI
	block.Encrypt(out[:], input[:])
	return out, nil
}

// BatchRPI encrypts n consecutive interval blocks starting at
// startInterval under a single derived RPIK, returning n*16 bytes of
// concatenated RPIs. Equivalent to calling RPIFor for each interval in
// [startInterval, startInterval+n), but derives RPIK only once.
func BatchRPI(tek enmodel.TEK, startInterval uint32, n int) ([]byte, error) {
	if n <= 0 {
		return nil, enerrors.New("enclave.BatchRPI", enerrors.InvalidArgument, "n must be positive, got %d", n)
	}

	rpik, err := DeriveRPIK(tek)
	if err != nil {
		return nil, err
	}
	defer rpik.Close()

	block, err := aes.NewCipher(rpik.Bytes())
	if err != nil {
		return nil, enerrors.Wrap("enclave.BatchRPI", enerrors.CryptoFailure, err)
	}

	out := make([]byte, n*16)
	for i := 0; i < n; i++ {
		input := rpiBlock(startInterval + uint32(i))
		block.Encrypt(out[i*16:(i+1)*16], input[:])
	}
	return out, nil
}

// EncryptAEM encrypts 4 bytes of metadata under AES-128-CTR keyed by
// AEMK(tek), using the full RPI as the initial counter block.
func EncryptAEM(metadata [4]byte, tek enmodel.TEK, rpi enmodel.RPI) (enmodel.AEM, error) {
	out, err := ctrXOR(metadata[:], tek, rpi)
	if err != nil {
		return enmodel.AEM{}, err
	}
	var aem enmodel.AEM
	copy(aem[:], out)
	return aem, nil
}

// DecryptAEM decrypts a 4-byte ciphertext produced by EncryptAEM.
// AES-CTR is an involution under a fixed keystream, so decryption is
// the same XOR operation as encryption.
func DecryptAEM(ciphertext enmodel.AEM, tek enmodel.TEK, rpi enmodel.RPI) ([4]byte, error) {
	out, err := ctrXOR(ciphertext[:], tek, rpi)
	if err != nil {
		return [4]byte{}, err
	}
	var metadata [4]byte
	copy(metadata[:], out)
	return metadata, nil
}

func ctrXOR(data []byte, tek enmodel.TEK, rpi enmodel.RPI) ([]byte, error) {
	if len(data) != 4 {
		return nil, enerrors.New("enclave.ctrXOR", enerrors.InvalidArgument, "AEM must be 4 bytes, got %d", len(data))
	}

	aemk, err := DeriveAEMK(tek)
	if err != nil {
		return nil, err
	}
	defer aemk.Close()

	block, err := aes.NewCipher(aemk.Bytes())
	if err != nil {
		return nil, enerrors.Wrap("enclave.ctrXOR", enerrors.CryptoFailure, err)
	}

	stream := cipher.NewCTR(block, rpi[:])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// TxPowerFromAEM decrypts the AEM and returns the signed tx-power byte
// (index 1).
func TxPowerFromAEM(ciphertext enmodel.AEM, tek enmodel.TEK, rpi enmodel.RPI) (int8, error) {
	metadata, err := DecryptAEM(ciphertext, tek, rpi)
	if err != nil {
		return 0, err
	}
	return int8(metadata[1]), nil
}

// Attenuation decrypts the AEM and computes the attenuation (tx-power
// minus observed RSSI, clamped to a u8). Returns 0xFF if decryption
// fails; 0 if the observation is saturated with a sentinel RSSI.
func Attenuation(tek enmodel.TEK, rpi enmodel.RPI, encryptedAEM enmodel.AEM, rssi int8, saturated bool) uint8 {
	metadata, err := DecryptAEM(encryptedAEM, tek, rpi)
	if err != nil {
		return 0xFF
	}

	if rssi == enmodel.SaturatedRSSI && saturated {
		return 0
	}

	txPower := int(int8(metadata[1]))
	diff := txPower - int(rssi)
	if diff < 0 {
		diff = 0
	}
	if diff > 255 {
		diff = 255
	}
	return uint8(diff)
}
