package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// ErrSyncNotConfigured is returned when no relay has been configured.
var ErrSyncNotConfigured = errors.New("sync server not configured")

// Sealer hybrid-encrypts sync payloads for the configured key pair.
type Sealer interface {
	Seal(payload []byte) (model.Envelope, error)
	Open(env model.Envelope) ([]byte, error)
}

// syncDocument is the plaintext carried inside a sync envelope.
type syncDocument struct {
	Domain   string                   `json:"domain"`
	Accounts []model.DecryptedAccount `json:"accounts"`
}

// SyncService exchanges domain groups with the relay. The relay's copy wins
// when it is strictly newer.
type SyncService struct {
	store    *CredentialStore
	sealer   Sealer
	settings *SettingsService
	remotes  *RemoteProvider
	factory  driven.SyncRemoteFactory
	notifier driven.Notifier
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	baseCtx    context.Context
	running    bool
	state      model.SyncState
	lastReport *model.SyncReport
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
}

// NewSyncService creates a SyncService. timeout bounds each relay request.
func NewSyncService(
	store *CredentialStore,
	sealer Sealer,
	settings *SettingsService,
	remotes *RemoteProvider,
	factory driven.SyncRemoteFactory,
	notifier driven.Notifier,
	timeout time.Duration,
) *SyncService {
	return &SyncService{
		store:    store,
		sealer:   sealer,
		settings: settings,
		remotes:  remotes,
		factory:  factory,
		notifier: notifier,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  context.Background(),
		state:    model.SyncStateIdle,
	}
}

// Start configures the relay client from the persisted settings, starts the
// periodic loop when enabled, and blocks until ctx is canceled.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	settings, err := s.settings.SyncSettings(ctx)
	if err != nil {
		slog.Error("load sync settings failed", "error", err)
	} else {
		if err := s.configureRemote(settings); err != nil {
			slog.Error("configure sync remote failed", "error", err)
		}
		s.ApplySettings(settings)
	}

	<-ctx.Done()
	s.StopPeriodic()
	slog.Info("sync service stopped")
}

// SaveSyncSettings persists new sync settings, swaps the relay client and
// restarts or stops the periodic timer accordingly.
func (s *SyncService) SaveSyncSettings(ctx context.Context, in model.SyncSettings) (model.SyncSettings, error) {
	saved, err := s.settings.SaveSyncSettings(ctx, in)
	if err != nil {
		return model.SyncSettings{}, err
	}
	if err := s.configureRemote(saved); err != nil {
		return model.SyncSettings{}, err
	}
	s.ApplySettings(saved)
	return saved, nil
}

func (s *SyncService) configureRemote(settings model.SyncSettings) error {
	if settings.ServerURL == "" {
		s.remotes.Replace(nil, "")
		return nil
	}
	if settings.ServerURL == s.remotes.ServerURL() && s.remotes.HasRemote() {
		return nil
	}

	remote, err := s.factory(settings.ServerURL)
	if err != nil {
		return fmt.Errorf("create sync remote: %w", err)
	}
	s.remotes.Replace(remote, settings.ServerURL)
	slog.Info("sync remote configured", "server_url", settings.ServerURL)
	return nil
}

// ApplySettings starts the periodic loop when sync and auto sync are enabled
// and stops it otherwise.
func (s *SyncService) ApplySettings(settings model.SyncSettings) {
	if settings.Periodic() {
		s.StartPeriodic(settings.Interval())
		return
	}
	s.StopPeriodic()
}

// StartPeriodic runs SyncAll every interval, replacing any running loop. The
// previous loop has exited by the time the new one starts.
func (s *SyncService) StartPeriodic(interval time.Duration) {
	s.mu.Lock()
	for s.loopDone != nil {
		done := s.loopDone
		s.stopLoopLocked()
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.stopLoop = cancel
	s.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.SyncAll(ctx)
				if err != nil {
					if ctx.Err() == nil {
						slog.Error("periodic sync failed", "error", err)
					}
					continue
				}
				if report.Skipped {
					slog.Debug("periodic sync skipped, run in progress")
				}
			}
		}
	}()

	slog.Info("periodic sync started", "interval", interval)
}

// StopPeriodic stops the periodic loop, if any, and waits for it to exit.
func (s *SyncService) StopPeriodic() {
	s.mu.Lock()
	done := s.loopDone
	s.stopLoopLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
		slog.Info("periodic sync stopped")
	}
}

// Periodic reports whether the periodic loop is running.
func (s *SyncService) Periodic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLoop != nil
}

func (s *SyncService) stopLoopLocked() {
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
		s.loopDone = nil
	}
}

// State returns the current sync state.
func (s *SyncService) State() model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReport returns the report of the last completed full sync, or nil.
func (s *SyncService) LastReport() *model.SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// SyncAll syncs every local domain group, then downloads groups that exist
// only on the relay. A call made while a run is in progress returns a
// skipped report. Per-domain failures are recorded and do not stop the run.
func (s *SyncService) SyncAll(ctx context.Context) (model.SyncReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return model.SyncReport{Skipped: true}, nil
	}
	s.running = true
	s.mu.Unlock()

	report := model.SyncReport{
		Uploaded:   []string{},
		Downloaded: []string{},
		Failed:     map[string]string{},
		StartedAt:  s.now(),
	}

	s.setState(model.SyncStateSyncing, nil)
	err := s.syncAll(ctx, &report)
	report.FinishedAt = s.now()

	switch {
	case err != nil:
		s.setState(model.SyncStateError, err)
	case len(report.Failed) > 0:
		s.setState(model.SyncStateError, fmt.Errorf("%d domain(s) failed", len(report.Failed)))
	default:
		s.setState(model.SyncStateSuccess, nil)
	}

	s.mu.Lock()
	s.lastReport = &report
	s.running = false
	s.mu.Unlock()
	s.setState(model.SyncStateIdle, nil)

	slog.Info("sync run complete",
		"uploaded", len(report.Uploaded),
		"downloaded", len(report.Downloaded),
		"failed", len(report.Failed),
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)

	return report, err
}

func (s *SyncService) syncAll(ctx context.Context, report *model.SyncReport) error {
	remote := s.remotes.Get()
	if remote == nil {
		return ErrSyncNotConfigured
	}

	groups, err := s.store.AllDomainGroups(ctx)
	if err != nil {
		return err
	}

	local := make(map[string]bool, len(groups))
	for _, g := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		local[g.Domain] = true

		if err := s.syncDomain(ctx, remote, g.Domain); err != nil {
			slog.Error("domain sync failed", "domain", g.Domain, "error", err)
			report.Failed[g.Domain] = err.Error()
			continue
		}
		report.Uploaded = append(report.Uploaded, g.Domain)
	}

	remoteDomains, err := s.listRemote(ctx, remote)
	if err != nil {
		report.ListError = err.Error()
		return fmt.Errorf("list remote domains: %w", err)
	}

	for _, rd := range remoteDomains {
		if local[rd.Domain] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.downloadDomain(ctx, remote, rd.Domain); err != nil {
			slog.Error("domain download failed", "domain", rd.Domain, "error", err)
			report.Failed[rd.Domain] = err.Error()
			continue
		}
		report.Downloaded = append(report.Downloaded, rd.Domain)
	}

	return nil
}

// SyncDomain uploads one domain group, applying the relay's copy when it
// answers conflict_resolved. A domain with no local group is downloaded.
func (s *SyncService) SyncDomain(ctx context.Context, domain string) error {
	remote := s.remotes.Get()
	if remote == nil {
		return ErrSyncNotConfigured
	}
	return s.syncDomain(ctx, remote, domain)
}

func (s *SyncService) syncDomain(ctx context.Context, remote driven.SyncRemote, domain string) error {
	group, ok, err := s.store.DomainGroup(ctx, domain)
	if err != nil {
		return err
	}
	if !ok {
		return s.downloadDomain(ctx, remote, domain)
	}

	accounts, err := s.store.AccountsForDomain(ctx, domain)
	if err != nil {
		return err
	}

	doc := syncDocument{Domain: domain, Accounts: make([]model.DecryptedAccount, 0, len(accounts))}
	for _, a := range accounts {
		if a.DecryptError {
			slog.Warn("skipping undecryptable account in upload", "domain", domain)
			continue
		}
		doc.Accounts = append(doc.Accounts, a)
	}
	if len(doc.Accounts) == 0 {
		// Uploading an empty group would erase the domain on other installations.
		return fmt.Errorf("sync %q: no decryptable accounts: %w", domain, secrets.ErrDecrypt)
	}

	plain, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode sync document: %w", err)
	}

	env, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal %q: %w", domain, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := remote.Upload(reqCtx, domain, model.SyncPayload{
		EncryptedData: env,
		LastModified:  group.LatestModified(),
		Hash:          secrets.Hash(string(plain)),
	})
	if err != nil {
		return err
	}

	if result.Status == model.UploadStatusConflictResolved && result.Data != nil {
		if err := s.applyRemote(ctx, domain, *result.Data); err != nil {
			return err
		}
		s.publish(model.Event{Kind: model.EventDataUpdated, Domain: domain, Reason: model.ReasonServerNewer})
		slog.Info("relay copy was newer, local group replaced", "domain", domain)
	}
	return nil
}

// DownloadDomain fetches one domain group from the relay and replaces the
// local copy. A domain the relay does not hold is a no-op.
func (s *SyncService) DownloadDomain(ctx context.Context, domain string) error {
	remote := s.remotes.Get()
	if remote == nil {
		return ErrSyncNotConfigured
	}
	return s.downloadDomain(ctx, remote, domain)
}

func (s *SyncService) downloadDomain(ctx context.Context, remote driven.SyncRemote, domain string) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := remote.Download(reqCtx, domain)
	if errors.Is(err, driven.ErrRemoteNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.applyRemote(ctx, domain, rec); err != nil {
		return err
	}
	s.publish(model.Event{Kind: model.EventDataUpdated, Domain: domain, Reason: model.ReasonDownloaded})
	slog.Info("domain downloaded", "domain", domain)
	return nil
}

func (s *SyncService) applyRemote(ctx context.Context, domain string, rec model.RemoteRecord) error {
	plain, err := s.sealer.Open(rec.EncryptedData)
	if err != nil {
		return fmt.Errorf("open %q: %w", domain, err)
	}

	var doc syncDocument
	if err := json.Unmarshal(plain, &doc); err != nil {
		return fmt.Errorf("decode sync document %q: %w", domain, err)
	}

	return s.store.ReplaceDomainGroup(ctx, domain, doc.Accounts)
}

func (s *SyncService) listRemote(ctx context.Context, remote driven.SyncRemote) ([]model.RemoteDomain, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return remote.ListDomains(reqCtx)
}

// TestConnection probes serverURL with a throwaway client, independent of the
// persisted settings.
func (s *SyncService) TestConnection(ctx context.Context, serverURL string) model.ConnectionResult {
	if err := model.ValidateServerURL(serverURL); err != nil {
		return model.ConnectionResult{Message: err.Error()}
	}

	remote, err := s.factory(serverURL)
	if err != nil {
		return model.ConnectionResult{Message: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := remote.Ping(reqCtx); err != nil {
		return model.ConnectionResult{Message: err.Error()}
	}
	return model.ConnectionResult{OK: true, Message: "connected"}
}

func (s *SyncService) setState(state model.SyncState, cause error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	event := model.Event{Kind: model.EventSyncState, State: state}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.publish(event)
}

func (s *SyncService) publish(event model.Event) {
	if s.notifier == nil {
		return
	}
	event.At = s.now()
	s.notifier.Publish(event)
}
