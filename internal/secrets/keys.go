package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/credsync/internal/domain/model"
)

// Key manager errors.
var (
	ErrKeyMismatch     = errors.New("public and private keys do not match")
	ErrNoKeyConfigured = errors.New("no key pair configured")
)

const (
	rsaBits         = 2048
	fingerprintLen  = 16
	pemPublicBlock  = "PUBLIC KEY"
	pemPrivateBlock = "PRIVATE KEY"
	selfTestProbe   = "key pair self-test"
)

// KeyManager holds the installation's RSA-OAEP key pair in memory.
// Persisting the pair is the caller's job.
type KeyManager struct {
	mu   sync.RWMutex
	pair model.KeyPair
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// NewKeyManager returns a KeyManager with no pair loaded.
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GenerateKeyPair creates a 2048-bit RSA pair, loads it and returns it in PEM form.
func (m *KeyManager) GenerateKeyPair() (model.KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("marshal private key: %w", err)
	}

	pair := model.KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: pemPublicBlock, Bytes: pubDER})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlock, Bytes: privDER})),
	}
	pair.Fingerprint = Fingerprint(pair.PublicKey)

	m.load(pair, &priv.PublicKey, priv)
	return pair, nil
}

// ImportKeyPair parses both PEM keys and proves they belong together by
// encrypting a probe with the public key and decrypting it with the private
// key. On success the pair is loaded and its fingerprint returned.
func (m *KeyManager) ImportKeyPair(publicPEM, privatePEM string) (string, error) {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return "", err
	}
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", err
	}

	if err := selfTest(pub, priv); err != nil {
		return "", err
	}

	pair := model.KeyPair{
		PublicKey:   publicPEM,
		PrivateKey:  privatePEM,
		Fingerprint: Fingerprint(publicPEM),
	}
	m.load(pair, pub, priv)
	return pair.Fingerprint, nil
}

// ExportKeyPair returns the loaded pair stamped with the current time.
func (m *KeyManager) ExportKeyPair() (model.ExportedKeyPair, error) {
	pair, ok := m.KeyPair()
	if !ok {
		return model.ExportedKeyPair{}, ErrNoKeyConfigured
	}
	return model.ExportedKeyPair{
		PublicKey:   pair.PublicKey,
		PrivateKey:  pair.PrivateKey,
		Fingerprint: pair.Fingerprint,
		ExportedAt:  time.Now().UTC(),
	}, nil
}

// KeyPair returns the loaded pair and whether one is loaded.
func (m *KeyManager) KeyPair() (model.KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair, m.priv != nil
}

// Loaded reports whether a pair is loaded.
func (m *KeyManager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priv != nil
}

// Clear unloads the pair.
func (m *KeyManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = model.KeyPair{}
	m.pub = nil
	m.priv = nil
}

// Seal hybrid-encrypts payload for the loaded public key.
func (m *KeyManager) Seal(payload []byte) (model.Envelope, error) {
	m.mu.RLock()
	pub := m.pub
	m.mu.RUnlock()

	if pub == nil {
		return model.Envelope{}, ErrNoKeyConfigured
	}
	return HybridEncrypt(payload, pub)
}

// Open decrypts env with the loaded private key.
func (m *KeyManager) Open(env model.Envelope) ([]byte, error) {
	m.mu.RLock()
	priv := m.priv
	m.mu.RUnlock()

	if priv == nil {
		return nil, ErrNoKeyConfigured
	}
	return HybridDecrypt(env, priv)
}

func (m *KeyManager) load(pair model.KeyPair, pub *rsa.PublicKey, priv *rsa.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair = pair
	m.pub = pub
	m.priv = priv
}

// Fingerprint returns the first 16 upper-case hex characters of the SHA-256
// digest of the public key PEM text.
func Fingerprint(publicPEM string) string {
	sum := sha256.Sum256([]byte(publicPEM))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:fingerprintLen]
}

// ParsePublicKey decodes an SPKI PEM block holding an RSA public key.
func ParsePublicKey(publicPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrInvalidKey)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInvalidKey, err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKey, key)
	}
	return pub, nil
}

// ParsePrivateKey decodes a PKCS#8 PEM block holding an RSA private key.
func ParsePrivateKey(privatePEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrInvalidKey)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidKey, err)
	}

	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidKey, key)
	}
	return priv, nil
}

func selfTest(pub *rsa.PublicKey, priv *rsa.PrivateKey) error {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(selfTestProbe), nil)
	if err != nil {
		return fmt.Errorf("%w: encrypt probe: %v", ErrKeyMismatch, err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ct, nil)
	if err != nil || string(pt) != selfTestProbe {
		return ErrKeyMismatch
	}
	return nil
}
