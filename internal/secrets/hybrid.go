package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ericfisherdev/credsync/internal/domain/model"
)

// HybridEncrypt seals payload under a one-time AES-256-GCM key and wraps that
// key with RSA-OAEP (SHA-256) for pub.
func HybridEncrypt(payload []byte, pub *rsa.PublicKey) (model.Envelope, error) {
	dataKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return model.Envelope{}, fmt.Errorf("generate data key: %w", err)
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return model.Envelope{}, err
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return model.Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dataKey, nil)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("wrap data key: %w", err)
	}

	return model.Envelope{
		Type:          model.EnvelopeTypeHybrid,
		EncryptedKey:  base64.StdEncoding.EncodeToString(wrapped),
		EncryptedData: base64.StdEncoding.EncodeToString(gcm.Seal(nil, iv, payload, nil)),
		IV:            base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// HybridDecrypt unwraps the data key with priv and opens the payload. Every
// failure wraps ErrDecrypt.
func HybridDecrypt(env model.Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if env.Type != model.EnvelopeTypeHybrid {
		return nil, fmt.Errorf("%w: unsupported envelope type %q", ErrDecrypt, env.Type)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", ErrDecrypt, err)
	}
	data, err := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrDecrypt, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrDecrypt, err)
	}
	if len(iv) != nonceSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrDecrypt, len(iv))
	}

	dataKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecrypt, err)
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plain, err := gcm.Open(nil, iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
