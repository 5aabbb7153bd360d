package model

import "time"

// EnvelopeTypeHybrid tags an Envelope produced by hybrid encryption.
const EnvelopeTypeHybrid = "hybrid"

// Envelope is a hybrid-encrypted payload: a one-time AES key wrapped with
// RSA-OAEP alongside the AES-GCM ciphertext. All byte fields are base64.
type Envelope struct {
	Type          string `json:"type"`
	EncryptedKey  string `json:"encryptedKey"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
}

// SyncPayload is the body uploaded for one domain group.
type SyncPayload struct {
	EncryptedData Envelope  `json:"encryptedData"`
	LastModified  time.Time `json:"lastModified"`
	Hash          string    `json:"hash"`
}

// RemoteRecord is a domain group as held by the relay.
type RemoteRecord struct {
	EncryptedData Envelope  `json:"encryptedData"`
	LastModified  time.Time `json:"lastModified"`
}

// UploadResult is the relay's answer to an upload. Data is set only when
// Status is UploadStatusConflictResolved.
type UploadResult struct {
	Status UploadStatus  `json:"status"`
	Data   *RemoteRecord `json:"data,omitempty"`
}

// RemoteDomain is one entry of the relay's domain listing.
type RemoteDomain struct {
	Domain       string    `json:"domainGroup"`
	LastModified time.Time `json:"lastModified"`
}

// SyncReport summarizes a full sync run. ListError is set when the relay
// listing failed and remote-only groups were not fetched.
type SyncReport struct {
	Skipped    bool              `json:"skipped"`
	Uploaded   []string          `json:"uploaded"`
	Downloaded []string          `json:"downloaded"`
	Failed     map[string]string `json:"failed"`
	ListError  string            `json:"listError,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// ConnectionResult is the outcome of probing a relay.
type ConnectionResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
