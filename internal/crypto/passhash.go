// Package crypto implements password hashing for the development backend.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Kept light since the dev backend hashes on every register/login.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 19 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	SaltLen = 16
)

// PasswordHash is a salted Argon2id digest.
type PasswordHash struct {
	Salt []byte
	Key  []byte
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns an Argon2id digest of password under a fresh random salt.
func HashPassword(password string) (PasswordHash, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{Salt: salt, Key: derive([]byte(password), salt)}, nil
}

// Verify reports whether password matches h.
func (h PasswordHash) Verify(password string) bool {
	if len(h.Salt) == 0 || len(h.Key) == 0 {
		return false
	}
	got := derive([]byte(password), h.Salt)
	return subtle.ConstantTimeCompare(got, h.Key) == 1
}

func derive(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
