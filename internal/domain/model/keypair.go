package model

import "time"

// KeyPair is an asymmetric key pair in PEM form. PublicKey is SPKI and
// PrivateKey is PKCS#8.
type KeyPair struct {
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	Fingerprint string `json:"fingerprint"`
}

// ExportedKeyPair is a KeyPair stamped with its export time, suitable for
// transfer to another installation.
type ExportedKeyPair struct {
	PublicKey   string    `json:"publicKey"`
	PrivateKey  string    `json:"privateKey"`
	Fingerprint string    `json:"fingerprint"`
	ExportedAt  time.Time `json:"exportTime"`
}
