package aesctr

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, keySize := range []int{16, 24, 32} {
		key, err := KeyGen(keySize)
		if err != nil {
			t.Fatalf("KeyGen(%d): %v", keySize, err)
		}
		for _, ptLen := range []int{0, 1, 15, 16, 17, 4096} {
			pt := bytes.Repeat([]byte{0xAB}, ptLen)
			ct, err := Encrypt(key, pt)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if len(ct) != len(pt)+IVSize {
				t.Fatalf("len(ct)=%d, want %d", len(ct), len(pt)+IVSize)
			}
			got, err := Decrypt(key, ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, pt) {
				t.Fatalf("round trip mismatch: got %x want %x", got, pt)
			}
		}
	}
}

func TestFreshIVPerEncryption(t *testing.T) {
	key, _ := KeyGen(32)
	pt := []byte("the quick brown fox jumps over the lazy dog")

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		ct, err := Encrypt(key, pt)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		iv := string(ct[:IVSize])
		if seen[iv] {
			t.Fatalf("duplicate IV observed across %d encryptions", i+1)
		}
		seen[iv] = true
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := KeyGen(10); err == nil {
		t.Fatal("expected error for invalid key size")
	}
}

func TestDecryptTooShort(t *testing.T) {
	key, _ := KeyGen(16)
	if _, err := Decrypt(key, []byte("short")); err == nil {
		t.Fatal("expected error decrypting too-short ciphertext")
	}
}

func TestKeyZero(t *testing.T) {
	key, _ := KeyGen(16)
	key.Zero()
	for _, b := range key.Bytes() {
		if b != 0 {
			t.Fatal("key bytes not zeroed")
		}
	}
}
