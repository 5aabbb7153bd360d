package model

import (
	"fmt"
	"net/url"
	"time"
)

// SchemaVersion is the version stamped on every persisted document.
const SchemaVersion = 1

// DefaultSyncIntervalMs is the periodic sync interval used when none is set.
const DefaultSyncIntervalMs = 300000

// minSyncIntervalMs guards against a timer that would hammer the relay.
const minSyncIntervalMs = 1000

// SyncSettings configures the sync engine.
type SyncSettings struct {
	Enabled    bool   `json:"enabled"`
	ServerURL  string `json:"serverUrl"`
	AutoSync   bool   `json:"autoSync"`
	IntervalMs int64  `json:"syncInterval"`
	PublicKey  string `json:"publicKey,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// DefaultSyncSettings returns sync disabled with auto sync on every five minutes.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AutoSync:   true,
		IntervalMs: DefaultSyncIntervalMs,
	}
}

// Interval returns IntervalMs as a duration, falling back to the default.
func (s SyncSettings) Interval() time.Duration {
	if s.IntervalMs <= 0 {
		return DefaultSyncIntervalMs * time.Millisecond
	}
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Periodic reports whether the periodic timer should run.
func (s SyncSettings) Periodic() bool {
	return s.Enabled && s.AutoSync && s.ServerURL != ""
}

// Validate checks the server URL and interval. A disabled configuration may
// leave the URL empty.
func (s SyncSettings) Validate() error {
	if s.IntervalMs != 0 && s.IntervalMs < minSyncIntervalMs {
		return fmt.Errorf("%w: sync interval must be at least %dms", ErrValidation, minSyncIntervalMs)
	}
	if s.ServerURL == "" {
		if s.Enabled {
			return fmt.Errorf("%w: server url is required when sync is enabled", ErrValidation)
		}
		return nil
	}
	if err := ValidateServerURL(s.ServerURL); err != nil {
		return err
	}
	return nil
}

// ValidateServerURL requires an absolute http or https URL.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: server url %q: %v", ErrValidation, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server url %q must be an absolute http(s) url", ErrValidation, raw)
	}
	return nil
}

// Settings is the persisted settings document.
type Settings struct {
	Version int `json:"version"`

	// SymmetricKey is the exported field-encryption key. When KeySalt is set
	// it is wrapped with a passphrase-derived key.
	SymmetricKey string `json:"symmetricKey,omitempty"`
	KeySalt      string `json:"keySalt,omitempty"`

	Sync SyncSettings `json:"syncSettings"`
	Keys *KeyPair     `json:"keySettings,omitempty"`
}
