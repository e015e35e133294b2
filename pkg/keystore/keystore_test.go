package keystore

import (
	"bytes"
	"testing"
)

func TestKeyPairPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "correct-horse-battery-staple", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	kp1, err := s1.ForEndpoint("node-a").KeyPair()
	if err != nil {
		t.Skipf("liboqs unavailable: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir, "correct-horse-battery-staple", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	kp2, err := s2.ForEndpoint("node-a").KeyPair()
	if err != nil {
		t.Fatalf("keypair after reopen: %v", err)
	}

	if !bytes.Equal(kp1.Public, kp2.Public) {
		t.Fatalf("public key changed across restart")
	}
	if !bytes.Equal(kp1.Private, kp2.Private) {
		t.Fatalf("private key changed across restart")
	}
}

func TestDistinctEndpointsGetDistinctKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "passphrase", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	kpA, err := s.ForEndpoint("node-a").KeyPair()
	if err != nil {
		t.Skipf("liboqs unavailable: %v", err)
	}
	kpB, err := s.ForEndpoint("node-b").KeyPair()
	if err != nil {
		t.Fatalf("keypair for node-b: %v", err)
	}

	if bytes.Equal(kpA.Public, kpB.Public) {
		t.Fatalf("distinct endpoints should not share a keypair")
	}
}

func TestCorruptedRecordChecksumMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "passphrase", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var rec record
	rec.EndpointID = "node-a"
	rec.PublicKey = []byte{1, 2, 3}
	rec.SealedPrivate = []byte{4, 5, 6}
	rec.Variant = "Falcon-1024"
	rec.CRC = rec.checksum() ^ 0xFFFF // deliberately wrong

	if err := s.bh.Insert(rec.EndpointID, &rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.ForEndpoint("node-a").KeyPair(); err == nil {
		t.Fatalf("expected checksum mismatch to be rejected")
	}
}
