package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltSize         = 32
)

// DeriveKey stretches passphrase into a strong key with PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string, salt []byte) Key {
	return Key{raw: pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)}
}

// NewSalt returns 32 random bytes for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
