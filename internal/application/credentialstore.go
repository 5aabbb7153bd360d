package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// Credential store errors.
var (
	ErrStagedNotFound  = errors.New("staged credential not found")
	ErrAccountNotFound = errors.New("account not found")
)

// SymmetricKeyProvider supplies the field-encryption key.
type SymmetricKeyProvider interface {
	SymmetricKey(ctx context.Context) (secrets.Key, error)
}

// StageRequest is an observed credential offered to the staging area.
type StageRequest struct {
	Domain    string
	SubDomain string
	Username  string
	Password  string
	Origin    string
}

// StageResult reports whether the observation produced a staged entry.
// Entry is the staged entry when Staged is true, or the existing entry that
// already covers the observation.
type StageResult struct {
	Staged bool
	Entry  *model.StagedCredential
}

// SaveAccountRequest is a manually entered account.
type SaveAccountRequest struct {
	Domain    string
	SubDomain string
	Username  string
	Password  string
	Source    model.AccountSource
}

// CredentialStore manages staged credentials and confirmed accounts in the
// KV store. Read-modify-write cycles are serialized within the process;
// replays are safe because every write is keyed by identity.
type CredentialStore struct {
	kv     driven.KVStore
	engine *secrets.Engine
	keys   SymmetricKeyProvider
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
}

// CredentialStoreOption configures a CredentialStore.
type CredentialStoreOption func(*CredentialStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CredentialStoreOption {
	return func(s *CredentialStore) { s.now = now }
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(kv driven.KVStore, engine *secrets.Engine, keys SymmetricKeyProvider, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		kv:     kv,
		engine: engine,
		keys:   keys,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage applies the dedup rules to an observed credential:
//   - a staged entry with the same identity and password absorbs it;
//   - a staged entry with a different password is replaced (temp);
//   - otherwise the confirmed account decides: same password absorbs it,
//     a different one stages formal_diff, an undecryptable one stages
//     formal_decrypt_error, and no account stages new.
func (s *CredentialStore) Stage(ctx context.Context, req StageRequest) (StageResult, error) {
	id := model.NewIdentity(req.Domain, req.Username, req.SubDomain)
	if id.Domain == "" || id.Username == "" || req.Password == "" {
		return StageResult{}, fmt.Errorf("%w: domain, username and password are required", model.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.loadStaged(ctx)
	if err != nil {
		return StageResult{}, err
	}

	entry := model.StagedCredential{
		Domain:     id.Domain,
		SubDomain:  id.SubDomain,
		Username:   id.Username,
		Password:   req.Password,
		ObservedAt: s.now(),
		Origin:     req.Origin,
	}

	if idx := indexStaged(staged, id); idx >= 0 {
		existing := staged[idx]
		if existing.Password == req.Password {
			return StageResult{Entry: &existing}, nil
		}

		entry.ID = existing.ID
		entry.UpdateType = model.UpdateTypeTemp
		staged[idx] = entry
		if err := s.saveStaged(ctx, staged); err != nil {
			return StageResult{}, err
		}
		slog.Info("staged credential replaced", "domain", id.Domain, "update_type", entry.UpdateType)
		return StageResult{Staged: true, Entry: &entry}, nil
	}

	updateType, absorb := s.compareWithAccount(ctx, id, req.Password)
	if absorb {
		return StageResult{}, nil
	}

	entry.ID = s.newID()
	entry.UpdateType = updateType
	staged = append(staged, entry)
	if err := s.saveStaged(ctx, staged); err != nil {
		return StageResult{}, err
	}

	slog.Info("credential staged", "domain", id.Domain, "update_type", entry.UpdateType)
	return StageResult{Staged: true, Entry: &entry}, nil
}

// compareWithAccount classifies an observation against the confirmed account.
// It returns absorb=true when the account already holds the same password.
// Storage and key failures never block capture: an unreadable accounts
// document counts as no account.
func (s *CredentialStore) compareWithAccount(ctx context.Context, id model.Identity, password string) (model.UpdateType, bool) {
	groups, err := s.loadAccounts(ctx)
	if err != nil {
		slog.Warn("accounts unreadable during staging, treating as new", "domain", id.Domain, "error", err)
		return model.UpdateTypeNew, false
	}

	idx := indexAccount(groups[id.Domain], id)
	if idx < 0 {
		return model.UpdateTypeNew, false
	}

	key, err := s.keys.SymmetricKey(ctx)
	if err != nil {
		slog.Warn("symmetric key unavailable during staging", "domain", id.Domain, "error", err)
		return model.UpdateTypeFormalDecryptError, false
	}

	stored, err := s.engine.DecryptField(groups[id.Domain][idx].Password, key)
	if err != nil {
		return model.UpdateTypeFormalDecryptError, false
	}
	if stored == password {
		return "", true
	}
	return model.UpdateTypeFormalDiff, false
}

// Confirm encrypts the staged entry's password into the account store, then
// drops the staged entry. A replay after a crash between the two writes only
// re-upserts the same account.
func (s *CredentialStore) Confirm(ctx context.Context, domain, username, subDomain string) (model.Account, error) {
	id := model.NewIdentity(domain, username, subDomain)

	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.loadStaged(ctx)
	if err != nil {
		return model.Account{}, err
	}

	idx := indexStaged(staged, id)
	if idx < 0 {
		return model.Account{}, fmt.Errorf("confirm %s/%s: %w", id.Domain, id.Username, ErrStagedNotFound)
	}

	account, err := s.upsertLocked(ctx, id, staged[idx].Password, model.SourceCapture)
	if err != nil {
		return model.Account{}, err
	}

	staged = append(staged[:idx], staged[idx+1:]...)
	if err := s.saveStaged(ctx, staged); err != nil {
		return model.Account{}, err
	}

	slog.Info("staged credential confirmed", "domain", id.Domain)
	return account, nil
}

// SaveAccount encrypts and upserts a manually entered account.
func (s *CredentialStore) SaveAccount(ctx context.Context, req SaveAccountRequest) (model.Account, error) {
	id := model.NewIdentity(req.Domain, req.Username, req.SubDomain)
	if id.Domain == "" || id.Username == "" || req.Password == "" {
		return model.Account{}, fmt.Errorf("%w: domain, username and password are required", model.ErrValidation)
	}

	source := req.Source
	if source == "" {
		source = model.SourceManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsertLocked(ctx, id, req.Password, source)
}

func (s *CredentialStore) upsertLocked(ctx context.Context, id model.Identity, password string, source model.AccountSource) (model.Account, error) {
	key, err := s.keys.SymmetricKey(ctx)
	if err != nil {
		return model.Account{}, fmt.Errorf("symmetric key: %w", err)
	}

	blob, err := s.engine.EncryptField(password, key)
	if err != nil {
		return model.Account{}, fmt.Errorf("encrypt password: %w", err)
	}

	groups, err := s.loadAccounts(ctx)
	if err != nil {
		return model.Account{}, err
	}

	now := s.now()
	accounts := groups[id.Domain]

	var account model.Account
	if idx := indexAccount(accounts, id); idx >= 0 {
		account = accounts[idx]
		account.Password = blob
		account.Source = source
		account.ModifiedAt = now
		accounts[idx] = account
	} else {
		account = model.Account{
			Domain:     id.Domain,
			SubDomain:  id.SubDomain,
			Username:   id.Username,
			Password:   blob,
			Source:     source,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		accounts = append(accounts, account)
	}
	groups[id.Domain] = accounts

	if err := s.saveAccounts(ctx, groups); err != nil {
		return model.Account{}, err
	}
	return account, nil
}

// AccountsForDomain returns the domain's accounts with plaintext passwords.
// A record that fails to decrypt is marked and returned without a password.
func (s *CredentialStore) AccountsForDomain(ctx context.Context, domain string) ([]model.DecryptedAccount, error) {
	domain = strings.TrimSpace(domain)

	s.mu.Lock()
	groups, err := s.loadAccounts(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	accounts := groups[domain]
	out := make([]model.DecryptedAccount, 0, len(accounts))
	if len(accounts) == 0 {
		return out, nil
	}

	key, keyErr := s.keys.SymmetricKey(ctx)
	if keyErr != nil {
		slog.Warn("symmetric key unavailable, marking accounts undecryptable", "domain", domain, "error", keyErr)
	}

	var failed int
	for _, a := range accounts {
		d := model.DecryptedAccount{
			Domain:     a.Domain,
			SubDomain:  a.SubDomain,
			Username:   a.Username,
			Source:     a.Source,
			CreatedAt:  a.CreatedAt,
			ModifiedAt: a.ModifiedAt,
		}

		if keyErr != nil {
			d.DecryptError = true
		} else if plain, err := s.engine.DecryptField(a.Password, key); err != nil {
			d.DecryptError = true
		} else {
			d.Password = plain
		}

		if d.DecryptError {
			failed++
		}
		out = append(out, d)
	}

	if failed > 0 {
		slog.Warn("accounts failed to decrypt", "domain", domain, "failed", failed, "total", len(accounts))
	}
	return out, nil
}

// DomainGroup returns the stored group for domain and whether it exists.
func (s *CredentialStore) DomainGroup(ctx context.Context, domain string) (model.DomainGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.loadAccounts(ctx)
	if err != nil {
		return model.DomainGroup{}, false, err
	}

	accounts, ok := groups[domain]
	if !ok {
		return model.DomainGroup{}, false, nil
	}
	return model.DomainGroup{Domain: domain, Accounts: accounts}, true, nil
}

// AllDomainGroups returns every group ordered by domain.
func (s *CredentialStore) AllDomainGroups(ctx context.Context) ([]model.DomainGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.DomainGroup, 0, len(groups))
	for domain, accounts := range groups {
		out = append(out, model.DomainGroup{Domain: domain, Accounts: accounts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Delete removes an account. The group disappears with its last account.
func (s *CredentialStore) Delete(ctx context.Context, domain, username, subDomain string) error {
	id := model.NewIdentity(domain, username, subDomain)

	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.loadAccounts(ctx)
	if err != nil {
		return err
	}

	accounts := groups[id.Domain]
	idx := indexAccount(accounts, id)
	if idx < 0 {
		return fmt.Errorf("delete %s/%s: %w", id.Domain, id.Username, ErrAccountNotFound)
	}

	accounts = append(accounts[:idx], accounts[idx+1:]...)
	if len(accounts) == 0 {
		delete(groups, id.Domain)
	} else {
		groups[id.Domain] = accounts
	}

	if err := s.saveAccounts(ctx, groups); err != nil {
		return err
	}
	slog.Info("account deleted", "domain", id.Domain)
	return nil
}

// ReplaceDomainGroup overwrites a group with accounts received from sync. The
// passwords are re-encrypted with the local key while the remote timestamps
// are kept. An empty list removes the group.
func (s *CredentialStore) ReplaceDomainGroup(ctx context.Context, domain string, accounts []model.DecryptedAccount) error {
	key, err := s.keys.SymmetricKey(ctx)
	if err != nil {
		return fmt.Errorf("symmetric key: %w", err)
	}

	replacement := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.DecryptError {
			continue
		}
		blob, err := s.engine.EncryptField(a.Password, key)
		if err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}

		source := a.Source
		if source == "" {
			source = model.SourceSync
		}
		replacement = append(replacement, model.Account{
			Domain:     domain,
			SubDomain:  a.SubDomain,
			Username:   a.Username,
			Password:   blob,
			Source:     source,
			CreatedAt:  a.CreatedAt,
			ModifiedAt: a.ModifiedAt,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.loadAccounts(ctx)
	if err != nil {
		return err
	}

	if len(replacement) == 0 {
		delete(groups, domain)
	} else {
		groups[domain] = replacement
	}
	return s.saveAccounts(ctx, groups)
}

// AllStaged returns every staged entry in insertion order.
func (s *CredentialStore) AllStaged(ctx context.Context) ([]model.StagedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadStaged(ctx)
}

// Dismiss drops a staged entry without confirming it.
func (s *CredentialStore) Dismiss(ctx context.Context, domain, username, subDomain string) error {
	id := model.NewIdentity(domain, username, subDomain)

	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.loadStaged(ctx)
	if err != nil {
		return err
	}

	idx := indexStaged(staged, id)
	if idx < 0 {
		return fmt.Errorf("dismiss %s/%s: %w", id.Domain, id.Username, ErrStagedNotFound)
	}
	return s.saveStaged(ctx, append(staged[:idx], staged[idx+1:]...))
}

// ClearStaged drops every staged entry of domain, or all entries when domain
// is empty. It returns the number removed.
func (s *CredentialStore) ClearStaged(ctx context.Context, domain string) (int, error) {
	domain = strings.TrimSpace(domain)
	return s.removeStaged(ctx, func(e model.StagedCredential) bool {
		return domain == "" || e.Domain == domain
	})
}

// PurgeExpired drops staged entries older than ttl at now.
func (s *CredentialStore) PurgeExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	return s.removeStaged(ctx, func(e model.StagedCredential) bool {
		return e.Expired(now, ttl)
	})
}

func (s *CredentialStore) removeStaged(ctx context.Context, drop func(model.StagedCredential) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.loadStaged(ctx)
	if err != nil {
		return 0, err
	}

	kept := staged[:0]
	for _, e := range staged {
		if !drop(e) {
			kept = append(kept, e)
		}
	}

	removed := len(staged) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveStaged(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// DomainMarking returns the opaque field marking stored for domain, or nil.
func (s *CredentialStore) DomainMarking(ctx context.Context, domain string) (json.RawMessage, error) {
	raw, err := s.kv.Get(ctx, KeyDomainMarkingPrefix+domain)
	if err != nil {
		return nil, fmt.Errorf("load marking %q: %w", domain, err)
	}
	return raw, nil
}

// SaveDomainMarking stores an opaque JSON marking for domain.
func (s *CredentialStore) SaveDomainMarking(ctx context.Context, domain string, marking json.RawMessage) error {
	domain = strings.TrimSpace(domain)
	if domain == "" || !json.Valid(marking) {
		return fmt.Errorf("%w: marking needs a domain and valid JSON", model.ErrValidation)
	}
	if err := s.kv.Set(ctx, KeyDomainMarkingPrefix+domain, marking); err != nil {
		return fmt.Errorf("save marking %q: %w", domain, err)
	}
	return nil
}

// RemoveDomainMarking deletes the marking for domain.
func (s *CredentialStore) RemoveDomainMarking(ctx context.Context, domain string) error {
	if err := s.kv.Remove(ctx, KeyDomainMarkingPrefix+domain); err != nil {
		return fmt.Errorf("remove marking %q: %w", domain, err)
	}
	return nil
}

// MarkedDomains lists the domains that have a stored marking.
func (s *CredentialStore) MarkedDomains(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, KeyDomainMarkingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list markings: %w", err)
	}

	domains := make([]string, 0, len(keys))
	for _, k := range keys {
		domains = append(domains, strings.TrimPrefix(k, KeyDomainMarkingPrefix))
	}
	return domains, nil
}

func (s *CredentialStore) loadStaged(ctx context.Context) ([]model.StagedCredential, error) {
	raw, err := s.kv.Get(ctx, KeyStaged)
	if err != nil {
		return nil, fmt.Errorf("load staged credentials: %w", err)
	}
	return decodeStaged(raw)
}

func (s *CredentialStore) saveStaged(ctx context.Context, staged []model.StagedCredential) error {
	raw, err := encodeStaged(staged)
	if err != nil {
		return fmt.Errorf("encode staged credentials: %w", err)
	}
	if err := s.kv.Set(ctx, KeyStaged, raw); err != nil {
		return fmt.Errorf("save staged credentials: %w", err)
	}
	return nil
}

func (s *CredentialStore) loadAccounts(ctx context.Context) (map[string][]model.Account, error) {
	raw, err := s.kv.Get(ctx, KeyAccounts)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return decodeAccounts(raw)
}

func (s *CredentialStore) saveAccounts(ctx context.Context, groups map[string][]model.Account) error {
	raw, err := encodeAccounts(groups)
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := s.kv.Set(ctx, KeyAccounts, raw); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

func indexStaged(staged []model.StagedCredential, id model.Identity) int {
	for i, e := range staged {
		if e.Identity() == id {
			return i
		}
	}
	return -1
}

func indexAccount(accounts []model.Account, id model.Identity) int {
	for i, a := range accounts {
		if a.Identity() == id {
			return i
		}
	}
	return -1
}
