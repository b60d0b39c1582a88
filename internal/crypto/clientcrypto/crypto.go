// Package clientcrypto contains client-side primitives for sealing persisted session state.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	DEKLen  = 32
	KEKLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var errShort = errors.New("ciphertext too short")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// WrapDEK encrypts dek with kek using XChaCha20-Poly1305 and a random nonce.
func WrapDEK(kek, dek []byte) ([]byte, error) {
	return seal(kek, dek, nil)
}

// UnwrapDEK decrypts a wrapped DEK using kek.
func UnwrapDEK(kek, wrapped []byte) ([]byte, error) {
	return open(kek, wrapped, nil)
}

// DeriveRecordKey derives a per-record key via HKDF-SHA256 with the record name as info.
func DeriveRecordKey(dek []byte, record string) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, nil, []byte(record))
	key := make([]byte, DEKLen)
	_, err := r.Read(key)
	return key, err
}

// SealRecord encrypts plaintext bound to AAD = record||version.
func SealRecord(key []byte, record string, version uint32, plaintext []byte) ([]byte, error) {
	return seal(key, plaintext, recordAAD(record, version))
}

// OpenRecord decrypts a sealed record; record and version must match those used to seal.
func OpenRecord(key []byte, record string, version uint32, blob []byte) ([]byte, error) {
	return open(key, blob, recordAAD(record, version))
}

func recordAAD(record string, version uint32) []byte {
	aad := make([]byte, 0, len(record)+4)
	aad = append(aad, record...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	return append(aad, v[:]...)
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

func open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
