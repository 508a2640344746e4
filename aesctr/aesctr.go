// Package aesctr implements fresh-IV AES-CTR stream encryption for block
// storage. It intentionally provides confidentiality only, no integrity tag:
// the broader system's non-goals exclude authentication against active
// adversaries (see top-level spec), and bucket/path shape already bounds
// what a tampered ciphertext can do to correctness.
package aesctr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// IVSize is the size, in bytes, of the random IV prepended to every
// ciphertext.
const IVSize = aes.BlockSize // 16

// Key is a zeroizing symmetric key buffer. Callers should call Zero once the
// key is no longer needed, and must never log its contents.
type Key struct {
	b []byte
}

// KeyGen returns a fresh random key of nBytes bytes (16, 24, or 32 for
// AES-128/192/256).
func KeyGen(nBytes int) (Key, error) {
	switch nBytes {
	case 16, 24, 32:
	default:
		return Key{}, fmt.Errorf("aesctr: invalid key size %d", nBytes)
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return Key{}, fmt.Errorf("aesctr: generate key: %w", err)
	}
	return Key{b: b}, nil
}

// KeyFromBytes wraps an existing key buffer. The caller's slice is copied.
func KeyFromBytes(b []byte) Key {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Key{b: cp}
}

// Bytes returns the raw key bytes. Treat as sensitive: never log.
func (k Key) Bytes() []byte { return k.b }

// Zero overwrites the key buffer with zeros.
func (k *Key) Zero() {
	for i := range k.b {
		k.b[i] = 0
	}
}

// Encrypt returns iv‖ciphertext, where iv is a fresh 16-byte random value and
// ciphertext has the same length as plaintext. Two calls with identical
// plaintext under the same key must differ in their IV prefix with
// overwhelming probability.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.b)
	if err != nil {
		return nil, fmt.Errorf("aesctr: new cipher: %w", err)
	}

	out := make([]byte, IVSize+len(plaintext))
	iv := out[:IVSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("aesctr: sample iv: %w", err)
	}

	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out[IVSize:], plaintext)
	return out, nil
}

// Decrypt reverses Encrypt. ciphertext must be at least IVSize bytes.
func Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < IVSize {
		return nil, fmt.Errorf("aesctr: ciphertext shorter than IV")
	}
	block, err := aes.NewCipher(key.b)
	if err != nil {
		return nil, fmt.Errorf("aesctr: new cipher: %w", err)
	}

	iv := ciphertext[:IVSize]
	ct := ciphertext[IVSize:]
	pt := make([]byte, len(ct))

	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(pt, ct)
	return pt, nil
}

// Overhead returns the number of bytes Encrypt adds to a plaintext of any
// length (just the IV; CTR mode has no expansion beyond that).
func Overhead() int { return IVSize }
