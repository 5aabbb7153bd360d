package application

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// ErrPassphraseRequired is returned when the stored symmetric key is wrapped
// but no passphrase was configured.
var ErrPassphraseRequired = errors.New("symmetric key is passphrase protected")

// SettingsService owns the settings document: the symmetric field key, sync
// settings and the persisted key pair.
type SettingsService struct {
	kv         driven.KVStore
	engine     *secrets.Engine
	passphrase string

	mu  sync.Mutex
	key *secrets.Key
}

// NewSettingsService creates a SettingsService. A non-empty passphrase wraps
// the symmetric key at rest.
func NewSettingsService(kv driven.KVStore, engine *secrets.Engine, passphrase string) *SettingsService {
	return &SettingsService{kv: kv, engine: engine, passphrase: passphrase}
}

// Load returns the settings document, filled with defaults when absent.
func (s *SettingsService) Load(ctx context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// SyncSettings returns the persisted sync settings.
func (s *SettingsService) SyncSettings(ctx context.Context) (model.SyncSettings, error) {
	settings, err := s.Load(ctx)
	if err != nil {
		return model.SyncSettings{}, err
	}
	return settings.Sync, nil
}

// SaveSyncSettings validates and stores the user-editable sync fields. The
// mirrored key pair fields are left alone.
func (s *SettingsService) SaveSyncSettings(ctx context.Context, in model.SyncSettings) (model.SyncSettings, error) {
	if in.IntervalMs == 0 {
		in.IntervalMs = model.DefaultSyncIntervalMs
	}
	if err := in.Validate(); err != nil {
		return model.SyncSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load(ctx)
	if err != nil {
		return model.SyncSettings{}, err
	}

	settings.Sync.Enabled = in.Enabled
	settings.Sync.ServerURL = in.ServerURL
	settings.Sync.AutoSync = in.AutoSync
	settings.Sync.IntervalMs = in.IntervalMs

	if err := s.save(ctx, settings); err != nil {
		return model.SyncSettings{}, err
	}
	return settings.Sync, nil
}

// SaveKeyPair persists pair and mirrors it into the sync settings. A nil pair
// removes both copies.
func (s *SettingsService) SaveKeyPair(ctx context.Context, pair *model.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load(ctx)
	if err != nil {
		return err
	}

	settings.Keys = pair
	settings.Sync.PublicKey = ""
	settings.Sync.PrivateKey = ""
	if pair != nil {
		settings.Sync.PublicKey = pair.PublicKey
		settings.Sync.PrivateKey = pair.PrivateKey
	}

	return s.save(ctx, settings)
}

// SymmetricKey returns the field-encryption key, generating and persisting it
// on first use. Once loaded the key is cached for the life of the service.
func (s *SettingsService) SymmetricKey(ctx context.Context) (secrets.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return *s.key, nil
	}

	settings, err := s.load(ctx)
	if err != nil {
		return secrets.Key{}, err
	}

	if settings.SymmetricKey == "" {
		key, err := s.engine.GenerateKey()
		if err != nil {
			return secrets.Key{}, err
		}
		if err := s.storeKey(&settings, key); err != nil {
			return secrets.Key{}, err
		}
		if err := s.save(ctx, settings); err != nil {
			return secrets.Key{}, err
		}
		slog.Info("symmetric key generated", "weak", key.Weak(), "wrapped", settings.KeySalt != "")
		s.key = &key
		return key, nil
	}

	key, err := s.unwrapKey(settings)
	if err != nil {
		return secrets.Key{}, err
	}

	// Wrap a plain key once a passphrase has been configured.
	if settings.KeySalt == "" && s.passphrase != "" {
		if err := s.storeKey(&settings, key); err != nil {
			return secrets.Key{}, err
		}
		if err := s.save(ctx, settings); err != nil {
			return secrets.Key{}, err
		}
		slog.Info("symmetric key wrapped with passphrase")
	}

	s.key = &key
	return key, nil
}

func (s *SettingsService) storeKey(settings *model.Settings, key secrets.Key) error {
	exported := s.engine.ExportKey(key)
	if s.passphrase == "" {
		settings.SymmetricKey = exported
		settings.KeySalt = ""
		return nil
	}

	salt, err := secrets.NewSalt()
	if err != nil {
		return err
	}
	wrapped, err := s.engine.EncryptField(exported, secrets.DeriveKey(s.passphrase, salt))
	if err != nil {
		return fmt.Errorf("wrap symmetric key: %w", err)
	}

	settings.SymmetricKey = wrapped
	settings.KeySalt = base64.StdEncoding.EncodeToString(salt)
	return nil
}

func (s *SettingsService) unwrapKey(settings model.Settings) (secrets.Key, error) {
	exported := settings.SymmetricKey
	if settings.KeySalt != "" {
		if s.passphrase == "" {
			return secrets.Key{}, ErrPassphraseRequired
		}
		salt, err := base64.StdEncoding.DecodeString(settings.KeySalt)
		if err != nil {
			return secrets.Key{}, fmt.Errorf("decode key salt: %w", err)
		}
		exported, err = s.engine.DecryptField(settings.SymmetricKey, secrets.DeriveKey(s.passphrase, salt))
		if err != nil {
			return secrets.Key{}, fmt.Errorf("unwrap symmetric key: %w", err)
		}
	}

	key, err := s.engine.ImportKey(exported)
	if err != nil {
		return secrets.Key{}, fmt.Errorf("import symmetric key: %w", err)
	}
	return key, nil
}

func (s *SettingsService) load(ctx context.Context) (model.Settings, error) {
	raw, err := s.kv.Get(ctx, KeySettings)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return decodeSettings(raw)
}

func (s *SettingsService) save(ctx context.Context, settings model.Settings) error {
	settings.Version = model.SchemaVersion
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.kv.Set(ctx, KeySettings, raw); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
