package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credsync/internal/domain/model"
)

// KV keys of the persisted documents.
const (
	KeyStaged              = "staged_credentials"
	KeyAccounts            = "accounts"
	KeySettings            = "settings"
	KeyDomainMarkingPrefix = "domain_marking_"
)

// ErrUnsupportedSchema is returned when a document was written by a newer build.
var ErrUnsupportedSchema = errors.New("unsupported document schema version")

// stagedDocument is the persisted form of the staging area. Version 0 was a
// bare JSON array of entries.
type stagedDocument struct {
	Version int                      `json:"version"`
	Entries []model.StagedCredential `json:"entries"`
}

// accountsDocument is the persisted form of all domain groups. Version 0 was
// a bare JSON object mapping domain to accounts.
type accountsDocument struct {
	Version int                        `json:"version"`
	Groups  map[string][]model.Account `json:"groups"`
}

func decodeStaged(raw []byte) ([]model.StagedCredential, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []model.StagedCredential{}, nil
	}

	if raw[0] == '[' {
		var legacy []model.StagedCredential
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy staged document: %w", err)
		}
		return nonNilStaged(legacy), nil
	}

	var doc stagedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode staged document: %w", err)
	}
	if doc.Version > model.SchemaVersion {
		return nil, fmt.Errorf("staged document version %d: %w", doc.Version, ErrUnsupportedSchema)
	}
	return nonNilStaged(doc.Entries), nil
}

func encodeStaged(entries []model.StagedCredential) ([]byte, error) {
	return json.Marshal(stagedDocument{Version: model.SchemaVersion, Entries: nonNilStaged(entries)})
}

func decodeAccounts(raw []byte) (map[string][]model.Account, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string][]model.Account{}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode accounts document: %w", err)
	}

	if _, versioned := probe["version"]; !versioned {
		legacy := map[string][]model.Account{}
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy accounts document: %w", err)
		}
		return pruneEmptyGroups(legacy), nil
	}

	var doc accountsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode accounts document: %w", err)
	}
	if doc.Version > model.SchemaVersion {
		return nil, fmt.Errorf("accounts document version %d: %w", doc.Version, ErrUnsupportedSchema)
	}
	if doc.Groups == nil {
		doc.Groups = map[string][]model.Account{}
	}
	return pruneEmptyGroups(doc.Groups), nil
}

func encodeAccounts(groups map[string][]model.Account) ([]byte, error) {
	return json.Marshal(accountsDocument{Version: model.SchemaVersion, Groups: pruneEmptyGroups(groups)})
}

func decodeSettings(raw []byte) (model.Settings, error) {
	settings := model.Settings{Version: model.SchemaVersion, Sync: model.DefaultSyncSettings()}
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings, nil
	}

	if err := json.Unmarshal(raw, &settings); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings document: %w", err)
	}
	if settings.Version > model.SchemaVersion {
		return model.Settings{}, fmt.Errorf("settings document version %d: %w", settings.Version, ErrUnsupportedSchema)
	}
	settings.Version = model.SchemaVersion
	if settings.Sync.IntervalMs == 0 {
		settings.Sync.IntervalMs = model.DefaultSyncIntervalMs
	}
	return settings, nil
}

// pruneEmptyGroups drops domains with no accounts; an empty group is never persisted.
func pruneEmptyGroups(groups map[string][]model.Account) map[string][]model.Account {
	for domain, accounts := range groups {
		if len(accounts) == 0 {
			delete(groups, domain)
		}
	}
	return groups
}

func nonNilStaged(entries []model.StagedCredential) []model.StagedCredential {
	if entries == nil {
		return []model.StagedCredential{}
	}
	return entries
}
