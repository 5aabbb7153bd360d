// Package secrets implements field encryption, key handling and the hybrid
// envelope used for sync payloads.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand/v2"
	"strings"
)

// Sentinel errors returned by this package.
var (
	// ErrDecrypt is wrapped by every decryption failure: tampered or truncated
	// input, a wrong key, or a strong/weak mismatch.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrInvalidKey is returned when an exported key cannot be imported.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	keySize     = 32
	nonceSize   = 12
	weakPrefix  = "weak:"
	weakCheckSz = 4
)

// Key is a symmetric field-encryption key. A weak key is produced only in
// degraded mode and never interoperates with strong blobs.
type Key struct {
	raw  []byte
	weak bool
}

// Weak reports whether the key belongs to the degraded fallback.
func (k Key) Weak() bool { return k.weak }

// IsZero reports whether the key holds no material.
func (k Key) IsZero() bool { return len(k.raw) == 0 }

// Engine performs symmetric field encryption.
type Engine struct {
	degraded bool
	random   io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithDegraded forces the weak XOR fallback.
func WithDegraded() Option {
	return func(e *Engine) { e.degraded = true }
}

// WithRandom replaces the entropy source used for keys and nonces.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

// NewEngine returns an Engine. If AES-GCM or the entropy source is unusable
// the engine drops to degraded mode and logs a warning.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{random: rand.Reader}
	for _, opt := range opts {
		opt(e)
	}

	if !e.degraded {
		if err := e.probe(); err != nil {
			slog.Warn("strong cipher unavailable, using weak fallback", "error", err)
			e.degraded = true
		}
	}

	return e
}

// Degraded reports whether the engine uses the weak fallback.
func (e *Engine) Degraded() bool { return e.degraded }

func (e *Engine) probe() error {
	buf := make([]byte, keySize)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		return fmt.Errorf("read entropy: %w", err)
	}
	if _, err := newGCM(buf); err != nil {
		return err
	}
	return nil
}

// GenerateKey creates a fresh key of the engine's strength.
func (e *Engine) GenerateKey() (Key, error) {
	raw := make([]byte, keySize)
	if e.degraded {
		for i := range raw {
			raw[i] = byte(mathrand.UintN(256))
		}
		return Key{raw: raw, weak: true}, nil
	}

	if _, err := io.ReadFull(e.random, raw); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return Key{raw: raw}, nil
}

// ExportKey encodes key as base64, prefixed with "weak:" for weak keys.
func (e *Engine) ExportKey(key Key) string {
	encoded := base64.StdEncoding.EncodeToString(key.raw)
	if key.weak {
		return weakPrefix + encoded
	}
	return encoded
}

// ImportKey decodes a key produced by ExportKey.
func (e *Engine) ImportKey(exported string) (Key, error) {
	weak := strings.HasPrefix(exported, weakPrefix)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(exported, weakPrefix))
	if err != nil {
		return Key{}, fmt.Errorf("%w: decode: %v", ErrInvalidKey, err)
	}
	if len(raw) != keySize {
		return Key{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, keySize, len(raw))
	}
	return Key{raw: raw, weak: weak}, nil
}

// KeyFromBytes wraps 32 bytes of strong key material.
func KeyFromBytes(raw []byte) (Key, error) {
	if len(raw) != keySize {
		return Key{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, keySize, len(raw))
	}
	return Key{raw: bytes.Clone(raw)}, nil
}

// EncryptField encrypts plaintext under key. Strong keys produce
// base64(nonce || ciphertext || tag) with a fresh 12-byte nonce.
func (e *Engine) EncryptField(plaintext string, key Key) (string, error) {
	if key.IsZero() {
		return "", fmt.Errorf("encrypt field: %w", ErrInvalidKey)
	}
	if key.weak {
		return weakPrefix + base64.StdEncoding.EncodeToString(xorSeal([]byte(plaintext), key.raw)), nil
	}

	gcm, err := newGCM(key.raw)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends to nonce, producing nonce || ciphertext || tag.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses EncryptField. Every failure wraps ErrDecrypt and no
// partial plaintext is returned.
func (e *Engine) DecryptField(blob string, key Key) (string, error) {
	if key.IsZero() {
		return "", fmt.Errorf("%w: no key", ErrDecrypt)
	}

	weakBlob := IsWeakBlob(blob)
	if weakBlob != key.weak {
		return "", fmt.Errorf("%w: key strength does not match ciphertext", ErrDecrypt)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, weakPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrDecrypt, err)
	}

	if weakBlob {
		plain, ok := xorOpen(data, key.raw)
		if !ok {
			return "", fmt.Errorf("%w: checksum mismatch", ErrDecrypt)
		}
		return string(plain), nil
	}

	gcm, err := newGCM(key.raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data) < nonceSize+gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Hash returns the lowercase hex SHA-256 digest of text.
func (e *Engine) Hash(text string) string {
	return Hash(text)
}

// Hash returns the lowercase hex SHA-256 digest of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IsWeakBlob reports whether blob was produced by a weak key.
func IsWeakBlob(blob string) bool {
	return strings.HasPrefix(blob, weakPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// xorSeal prepends a short digest of the plaintext so a wrong weak key is
// detected on open.
func xorSeal(plain, key []byte) []byte {
	sum := sha256.Sum256(plain)
	out := make([]byte, 0, weakCheckSz+len(plain))
	out = append(out, sum[:weakCheckSz]...)
	out = append(out, plain...)
	xorInPlace(out, key)
	return out
}

func xorOpen(data, key []byte) ([]byte, bool) {
	if len(data) < weakCheckSz {
		return nil, false
	}
	buf := bytes.Clone(data)
	xorInPlace(buf, key)

	plain := buf[weakCheckSz:]
	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:weakCheckSz], buf[:weakCheckSz]) {
		return nil, false
	}
	return plain, true
}

func xorInPlace(buf, key []byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}
