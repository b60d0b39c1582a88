package clientcrypto

import (
	"bytes"
	"crypto/subtle"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestDeriveKEK_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("store-passphrase")
	k1 := DeriveKEK(pw, []byte("salt-1"))
	k2 := DeriveKEK(pw, []byte("salt-1"))
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKEK not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK(pw, []byte("salt-2"))) != 0 {
		t.Fatalf("DeriveKEK must change with salt")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK([]byte("other"), []byte("salt-1"))) != 0 {
		t.Fatalf("DeriveKEK must change with passphrase")
	}
}

func TestWrapUnwrapDEK(t *testing.T) {
	t.Parallel()
	kek := DeriveKEK([]byte("pw"), []byte("salt"))
	dek, _ := Rand(DEKLen)

	wrapped, err := WrapDEK(kek, dek)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	out, err := UnwrapDEK(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	if !bytes.Equal(out, dek) {
		t.Fatalf("unwrap != original")
	}

	bad := DeriveKEK([]byte("pw2"), []byte("salt"))
	if _, err := UnwrapDEK(bad, wrapped); err == nil {
		t.Fatalf("UnwrapDEK with wrong kek must fail")
	}
	if _, err := UnwrapDEK(kek, []byte("short")); err == nil {
		t.Fatalf("UnwrapDEK must reject truncated input")
	}
}

func TestDeriveRecordKey_DiffPerRecord(t *testing.T) {
	t.Parallel()
	dek, _ := Rand(DEKLen)
	ka, _ := DeriveRecordKey(dek, "tm.token")
	kb, _ := DeriveRecordKey(dek, "tm.username")
	if subtle.ConstantTimeCompare(ka, kb) != 0 {
		t.Fatalf("keys for different records must differ")
	}
	ka2, _ := DeriveRecordKey(dek, "tm.token")
	if !bytes.Equal(ka, ka2) {
		t.Fatalf("DeriveRecordKey must be deterministic")
	}
}

func TestSealOpenRecord_RoundtripAndAAD(t *testing.T) {
	t.Parallel()
	dek, _ := Rand(DEKLen)
	key, err := DeriveRecordKey(dek, "session")
	if err != nil {
		t.Fatalf("DeriveRecordKey: %v", err)
	}
	plain := []byte(`{"access":"a","refresh":"r","username":"alice"}`)

	blob, err := SealRecord(key, "session", 1, plain)
	if err != nil {
		t.Fatalf("SealRecord: %v", err)
	}
	if bytes.Contains(blob, []byte("alice")) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	got, err := OpenRecord(key, "session", 1, blob)
	if err != nil {
		t.Fatalf("OpenRecord: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("roundtrip mismatch")
	}

	if _, err := OpenRecord(key, "other", 1, blob); err == nil {
		t.Fatalf("expected error on record mismatch")
	}
	if _, err := OpenRecord(key, "session", 2, blob); err == nil {
		t.Fatalf("expected error on version mismatch")
	}
	key2, _ := DeriveRecordKey(dek, "other")
	if _, err := OpenRecord(key2, "session", 1, blob); err == nil {
		t.Fatalf("expected error on wrong key")
	}
}
