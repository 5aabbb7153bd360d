package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// KeyService ties the in-memory KeyManager to the persisted settings document.
type KeyService struct {
	keys     *secrets.KeyManager
	settings *SettingsService
}

// NewKeyService creates a KeyService.
func NewKeyService(keys *secrets.KeyManager, settings *SettingsService) *KeyService {
	return &KeyService{keys: keys, settings: settings}
}

// Restore loads the persisted key pair, if any, into the KeyManager. A stored
// pair that fails its self-test is reported and left unloaded.
func (s *KeyService) Restore(ctx context.Context) error {
	settings, err := s.settings.Load(ctx)
	if err != nil {
		return err
	}
	if settings.Keys == nil {
		slog.Info("no key pair configured")
		return nil
	}

	fp, err := s.keys.ImportKeyPair(settings.Keys.PublicKey, settings.Keys.PrivateKey)
	if err != nil {
		return fmt.Errorf("restore key pair: %w", err)
	}
	slog.Info("key pair restored", "fingerprint", fp)
	return nil
}

// Generate creates, loads and persists a new key pair.
func (s *KeyService) Generate(ctx context.Context) (model.KeyPair, error) {
	pair, err := s.keys.GenerateKeyPair()
	if err != nil {
		return model.KeyPair{}, err
	}
	if err := s.settings.SaveKeyPair(ctx, &pair); err != nil {
		return model.KeyPair{}, err
	}
	slog.Info("key pair generated", "fingerprint", pair.Fingerprint)
	return pair, nil
}

// Import validates, loads and persists a key pair and returns its fingerprint.
func (s *KeyService) Import(ctx context.Context, publicPEM, privatePEM string) (string, error) {
	fp, err := s.keys.ImportKeyPair(publicPEM, privatePEM)
	if err != nil {
		return "", err
	}

	pair, _ := s.keys.KeyPair()
	if err := s.settings.SaveKeyPair(ctx, &pair); err != nil {
		return "", err
	}
	slog.Info("key pair imported", "fingerprint", fp)
	return fp, nil
}

// Export returns the loaded pair for transfer to another installation.
func (s *KeyService) Export() (model.ExportedKeyPair, error) {
	return s.keys.ExportKeyPair()
}

// Delete unloads and forgets the key pair.
func (s *KeyService) Delete(ctx context.Context) error {
	if err := s.settings.SaveKeyPair(ctx, nil); err != nil {
		return err
	}
	s.keys.Clear()
	slog.Info("key pair deleted")
	return nil
}

// Fingerprint returns the loaded pair's fingerprint and whether a pair is loaded.
func (s *KeyService) Fingerprint() (string, bool) {
	pair, ok := s.keys.KeyPair()
	return pair.Fingerprint, ok
}
