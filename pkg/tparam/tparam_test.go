package tparam_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stoq-io/stoq/pkg/tparam"
)

func TestRoundTrip(t *testing.T) {
	s := tparam.NewSet()
	s.SetBool(tparam.IDExtensionsEnabled, true)
	s.SetBool(tparam.IDFalconEnabled, true)
	s.SetBytes(tparam.IDFalconPublicKey, []byte{1, 2, 3, 4})
	s.SetVarint(tparam.IDMaxShardSize, 1024)
	s.SetVarint(tparam.IDTokenAlgorithm, uint64(tparam.TokenAlgorithmSHA256))

	encoded, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := tparam.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !decoded.ExtensionsEnabled() || !decoded.FalconEnabled() {
		t.Fatalf("expected extensions and falcon enabled")
	}
	pub, ok := decoded.FalconPublicKey()
	if !ok || string(pub) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("falcon public key mismatch: %v, ok=%v", pub, ok)
	}
	if mss, ok := decoded.MaxShardSize(); !ok || mss != 1024 {
		t.Fatalf("max shard size mismatch: %v, ok=%v", mss, ok)
	}
	if algo, ok := decoded.TokenAlgorithmID(); !ok || algo != tparam.TokenAlgorithmSHA256 {
		t.Fatalf("token algorithm mismatch: %v, ok=%v", algo, ok)
	}
	if err := decoded.ValidateSTOQ(); err != nil {
		t.Fatalf("ValidateSTOQ: %v", err)
	}
}

func TestUnknownIDPreserved(t *testing.T) {
	s := tparam.NewSet()
	s.SetBool(tparam.IDExtensionsEnabled, false)

	encoded, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Manually append an unrecognized id/length/value triple.
	encoded = append(encoded, 0x41, 0xff, 1, 0xaa)

	decoded, err := tparam.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ExtensionsEnabled() {
		t.Fatalf("extensions should be disabled")
	}

	reencoded, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Contains(reencoded, []byte{0x41, 0xff, 1, 0xaa}) {
		t.Fatalf("unknown triple not preserved on re-encode: %x", reencoded)
	}
}

func TestDuplicateIDFailsDecode(t *testing.T) {
	s := tparam.NewSet()
	s.SetBool(tparam.IDExtensionsEnabled, true)
	encoded, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Duplicate the same triple.
	encoded = append(encoded, encoded...)

	if _, err := tparam.Decode(encoded); !errors.Is(err, tparam.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestValidateSTOQMissingFields(t *testing.T) {
	s := tparam.NewSet()
	s.SetBool(tparam.IDExtensionsEnabled, true)

	err := s.ValidateSTOQ()
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
