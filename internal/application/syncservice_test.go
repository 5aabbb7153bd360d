package application_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credsync/internal/application"
	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// --- Mock relay ---

// memRelay is an in-memory SyncRemote that applies the relay's
// newest-timestamp-wins rule.
type memRelay struct {
	mu         sync.Mutex
	records    map[string]model.SyncPayload
	failUpload map[string]error
	failList   error
	failPing   error
	// hang blocks uploads until the request context ends.
	hang bool

	// uploadHook runs before every upload when set.
	uploadHook func(domain string)
	uploads    atomic.Int32
}

func newMemRelay() *memRelay {
	return &memRelay{
		records:    map[string]model.SyncPayload{},
		failUpload: map[string]error{},
	}
}

func (r *memRelay) Upload(ctx context.Context, domain string, payload model.SyncPayload) (model.UploadResult, error) {
	if r.uploadHook != nil {
		r.uploadHook(domain)
	}
	r.uploads.Add(1)
	if r.hang {
		<-ctx.Done()
		return model.UploadResult{}, &driven.NetworkError{Op: "upload", Domain: domain, Err: ctx.Err()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failUpload[domain]; err != nil {
		return model.UploadResult{}, err
	}
	if stored, ok := r.records[domain]; ok && stored.LastModified.After(payload.LastModified) {
		return model.UploadResult{
			Status: model.UploadStatusConflictResolved,
			Data:   &model.RemoteRecord{EncryptedData: stored.EncryptedData, LastModified: stored.LastModified},
		}, nil
	}
	r.records[domain] = payload
	return model.UploadResult{Status: model.UploadStatusSuccess}, nil
}

func (r *memRelay) Download(_ context.Context, domain string) (model.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[domain]
	if !ok {
		return model.RemoteRecord{}, driven.ErrRemoteNotFound
	}
	return model.RemoteRecord{EncryptedData: stored.EncryptedData, LastModified: stored.LastModified}, nil
}

func (r *memRelay) ListDomains(_ context.Context) ([]model.RemoteDomain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failList != nil {
		return nil, r.failList
	}
	out := make([]model.RemoteDomain, 0, len(r.records))
	for d, p := range r.records {
		out = append(out, model.RemoteDomain{Domain: d, LastModified: p.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (r *memRelay) Ping(_ context.Context) error {
	return r.failPing
}

func (r *memRelay) record(domain string) (model.SyncPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[domain]
	return p, ok
}

// --- Fixture ---

type installation struct {
	*fixture
	keys     *secrets.KeyManager
	notifier *recordingNotifier
	remotes  *application.RemoteProvider
	sync     *application.SyncService
}

// newInstallation builds a full sync stack sharing relay and the test key pair.
func newInstallation(t *testing.T, relay *memRelay, clock *testClock) *installation {
	t.Helper()
	return newInstallationWithTimeout(t, relay, clock, 2*time.Second)
}

func newInstallationWithTimeout(t *testing.T, relay *memRelay, clock *testClock, timeout time.Duration) *installation {
	t.Helper()

	f := newFixtureOn(t, newMemKV(), clock)

	keys := secrets.NewKeyManager()
	pair := testKeyPair(t)
	_, err := keys.ImportKeyPair(pair.PublicKey, pair.PrivateKey)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	remotes := application.NewRemoteProvider(relay, "http://relay.test")
	factory := func(string) (driven.SyncRemote, error) { return relay, nil }

	svc := application.NewSyncService(f.store, keys, f.settings, remotes, factory, notifier, timeout)
	t.Cleanup(svc.StopPeriodic)

	return &installation{fixture: f, keys: keys, notifier: notifier, remotes: remotes, sync: svc}
}

func (in *installation) save(t *testing.T, domain, username, password string) {
	t.Helper()
	_, err := in.store.SaveAccount(context.Background(), application.SaveAccountRequest{
		Domain: domain, Username: username, Password: password,
	})
	require.NoError(t, err)
}

func (in *installation) password(t *testing.T, domain, username string) string {
	t.Helper()
	accounts, err := in.store.AccountsForDomain(context.Background(), domain)
	require.NoError(t, err)
	for _, a := range accounts {
		if a.Username == username {
			return a.Password
		}
	}
	t.Fatalf("no account %s/%s", domain, username)
	return ""
}

func syncStates(events []model.Event) []model.SyncState {
	var states []model.SyncState
	for _, e := range events {
		if e.Kind == model.EventSyncState {
			states = append(states, e.State)
		}
	}
	return states
}

// --- Tests ---

func TestSyncDomain_UploadsSealedGroup(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())

	a.save(t, "example.com", "alice", "p1")
	require.NoError(t, a.sync.SyncDomain(context.Background(), "example.com"))

	rec, ok := relay.record("example.com")
	require.True(t, ok)
	assert.Equal(t, model.EnvelopeTypeHybrid, rec.EncryptedData.Type)
	assert.True(t, a.clock.Now().Equal(rec.LastModified))
	assert.Len(t, rec.Hash, 64)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"alice"`)

	plain, err := a.keys.Open(rec.EncryptedData)
	require.NoError(t, err)
	assert.Equal(t, secrets.Hash(string(plain)), rec.Hash)
	assert.Contains(t, string(plain), `"password":"p1"`)
}

func TestSyncDomain_ServerNewerOverwritesLocal(t *testing.T) {
	relay := newMemRelay()
	clockA := newTestClock()
	clockB := newTestClock()
	clockB.Advance(time.Hour)

	a := newInstallation(t, relay, clockA)
	b := newInstallation(t, relay, clockB)
	ctx := context.Background()

	a.save(t, "example.com", "alice", "p1")
	b.save(t, "example.com", "alice", "p2")

	require.NoError(t, b.sync.SyncDomain(ctx, "example.com"))
	require.NoError(t, a.sync.SyncDomain(ctx, "example.com"))

	assert.Equal(t, "p2", a.password(t, "example.com", "alice"))

	group, ok, err := a.store.DomainGroup(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, clockB.Now().Equal(group.LatestModified()))

	updates := a.notifier.Kind(model.EventDataUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "example.com", updates[0].Domain)
	assert.Equal(t, model.ReasonServerNewer, updates[0].Reason)

	// The relay kept the newer copy.
	rec, _ := relay.record("example.com")
	assert.True(t, clockB.Now().Equal(rec.LastModified))
}

func TestSyncDomain_LocalNewerReplacesRelayCopy(t *testing.T) {
	relay := newMemRelay()
	clockA := newTestClock()
	clockB := newTestClock()
	clockA.Advance(time.Hour)

	a := newInstallation(t, relay, clockA)
	b := newInstallation(t, relay, clockB)
	ctx := context.Background()

	b.save(t, "example.com", "alice", "old")
	require.NoError(t, b.sync.SyncDomain(ctx, "example.com"))

	a.save(t, "example.com", "alice", "new")
	require.NoError(t, a.sync.SyncDomain(ctx, "example.com"))

	assert.Equal(t, "new", a.password(t, "example.com", "alice"))
	assert.Empty(t, a.notifier.Kind(model.EventDataUpdated))

	rec, _ := relay.record("example.com")
	assert.True(t, clockA.Now().Equal(rec.LastModified))

	// B picks up the newer copy on its next sync.
	require.NoError(t, b.sync.SyncDomain(ctx, "example.com"))
	assert.Equal(t, "new", b.password(t, "example.com", "alice"))
}

func TestSyncDomain_NoLocalGroupDownloads(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	b := newInstallation(t, relay, newTestClock())
	ctx := context.Background()

	b.save(t, "example.com", "alice", "p1")
	require.NoError(t, b.sync.SyncDomain(ctx, "example.com"))

	require.NoError(t, a.sync.SyncDomain(ctx, "example.com"))
	assert.Equal(t, "p1", a.password(t, "example.com", "alice"))

	updates := a.notifier.Kind(model.EventDataUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, model.ReasonDownloaded, updates[0].Reason)
}

func TestDownloadDomain_MissingIsNoop(t *testing.T) {
	a := newInstallation(t, newMemRelay(), newTestClock())
	ctx := context.Background()

	require.NoError(t, a.sync.DownloadDomain(ctx, "nothing.com"))

	_, ok, err := a.store.DomainGroup(ctx, "nothing.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, a.notifier.Kind(model.EventDataUpdated))
}

func TestSyncDomain_WithoutKeyPair(t *testing.T) {
	a := newInstallation(t, newMemRelay(), newTestClock())
	a.keys.Clear()

	a.save(t, "example.com", "alice", "p1")
	err := a.sync.SyncDomain(context.Background(), "example.com")
	assert.ErrorIs(t, err, secrets.ErrNoKeyConfigured)
}

func TestSyncDomain_UndecryptableGroupIsNotUploaded(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	ctx := context.Background()

	foreign, err := a.engine.GenerateKey()
	require.NoError(t, err)
	blob, err := a.engine.EncryptField("p1", foreign)
	require.NoError(t, err)

	doc := map[string]any{
		"version": 1,
		"groups": map[string][]model.Account{
			"example.com": {{Domain: "example.com", Username: "alice", Password: blob, ModifiedAt: a.clock.Now()}},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, a.kv.Set(ctx, application.KeyAccounts, raw))

	err = a.sync.SyncDomain(ctx, "example.com")
	assert.ErrorIs(t, err, secrets.ErrDecrypt)
	assert.Zero(t, relay.uploads.Load())
}

func TestSyncAll_UploadsAndDownloads(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	b := newInstallation(t, relay, newTestClock())
	ctx := context.Background()

	b.save(t, "other.org", "bob", "pb")
	require.NoError(t, b.sync.SyncDomain(ctx, "other.org"))

	a.save(t, "example.com", "alice", "pa")
	report, err := a.sync.SyncAll(ctx)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, []string{"example.com"}, report.Uploaded)
	assert.Equal(t, []string{"other.org"}, report.Downloaded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, "pb", a.password(t, "other.org", "bob"))

	assert.Equal(t,
		[]model.SyncState{model.SyncStateSyncing, model.SyncStateSuccess, model.SyncStateIdle},
		syncStates(a.notifier.Events()),
	)
	assert.Equal(t, model.SyncStateIdle, a.sync.State())
	require.NotNil(t, a.sync.LastReport())
	assert.Equal(t, report.Uploaded, a.sync.LastReport().Uploaded)
}

func TestSyncAll_RecordsDomainFailures(t *testing.T) {
	relay := newMemRelay()
	relay.failUpload["bad.com"] = &driven.NetworkError{Op: "upload", Domain: "bad.com", StatusCode: 500, Err: errors.New("boom")}
	a := newInstallation(t, relay, newTestClock())

	a.save(t, "bad.com", "u", "p")
	a.save(t, "good.com", "u", "p")

	report, err := a.sync.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"good.com"}, report.Uploaded)
	require.Contains(t, report.Failed, "bad.com")
	assert.Contains(t, report.Failed["bad.com"], "status 500")

	states := syncStates(a.notifier.Events())
	assert.Equal(t, []model.SyncState{model.SyncStateSyncing, model.SyncStateError, model.SyncStateIdle}, states)
}

func TestSyncAll_ListFailure(t *testing.T) {
	relay := newMemRelay()
	relay.failList = errors.New("listing down")
	a := newInstallation(t, relay, newTestClock())

	a.save(t, "example.com", "u", "p")

	report, err := a.sync.SyncAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"example.com"}, report.Uploaded)
	assert.Empty(t, report.Failed)
	assert.Contains(t, report.ListError, "listing down")

	var errEvent model.Event
	for _, e := range a.notifier.Kind(model.EventSyncState) {
		if e.State == model.SyncStateError {
			errEvent = e
		}
	}
	assert.True(t, strings.Contains(errEvent.Error, "listing down"))
}

func TestSyncAll_NotConfigured(t *testing.T) {
	a := newInstallation(t, newMemRelay(), newTestClock())
	a.remotes.Replace(nil, "")

	_, err := a.sync.SyncAll(context.Background())
	assert.ErrorIs(t, err, application.ErrSyncNotConfigured)
	assert.ErrorIs(t, a.sync.SyncDomain(context.Background(), "x.com"), application.ErrSyncNotConfigured)
}

func TestSyncAll_SkippedWhileRunning(t *testing.T) {
	relay := newMemRelay()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	relay.uploadHook = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	a := newInstallation(t, relay, newTestClock())
	a.save(t, "example.com", "u", "p")

	done := make(chan model.SyncReport, 1)
	go func() {
		report, _ := a.sync.SyncAll(context.Background())
		done <- report
	}()

	<-entered
	assert.Equal(t, model.SyncStateSyncing, a.sync.State())

	skipped, err := a.sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.True(t, skipped.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, int32(1), relay.uploads.Load())
}

func TestSyncAll_HungRelayDoesNotWedgeState(t *testing.T) {
	relay := newMemRelay()
	relay.hang = true
	a := newInstallationWithTimeout(t, relay, newTestClock(), 50*time.Millisecond)
	a.save(t, "example.com", "u", "p")

	done := make(chan model.SyncReport, 1)
	go func() {
		report, _ := a.sync.SyncAll(context.Background())
		done <- report
	}()

	var report model.SyncReport
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SyncAll did not return while the relay hung")
	}

	require.Contains(t, report.Failed, "example.com")
	assert.Contains(t, report.Failed["example.com"], context.DeadlineExceeded.Error())
	assert.Equal(t, model.SyncStateIdle, a.sync.State())

	states := syncStates(a.notifier.Events())
	assert.Equal(t, []model.SyncState{model.SyncStateSyncing, model.SyncStateError, model.SyncStateIdle}, states)
}

func TestSyncService_StartPeriodicTwiceKeepsOneLoop(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	a.save(t, "example.com", "u", "p")

	a.sync.StartPeriodic(10 * time.Millisecond)
	a.sync.StartPeriodic(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return relay.uploads.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	a.sync.StopPeriodic()
	assert.False(t, a.sync.Periodic())

	stopped := relay.uploads.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, relay.uploads.Load(), "no loop may keep ticking after StopPeriodic")
}

func TestSyncService_StartPeriodicWaitsForPreviousLoop(t *testing.T) {
	relay := newMemRelay()
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	relay.uploadHook = func(string) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	}

	a := newInstallation(t, relay, newTestClock())
	releaseUpload := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseUpload)
	a.save(t, "example.com", "u", "p")

	a.sync.StartPeriodic(10 * time.Millisecond)
	<-entered

	restarted := make(chan struct{})
	go func() {
		a.sync.StartPeriodic(time.Hour)
		close(restarted)
	}()

	select {
	case <-restarted:
		t.Fatal("StartPeriodic returned while the previous loop was still syncing")
	case <-time.After(50 * time.Millisecond):
	}

	releaseUpload()
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("StartPeriodic did not return after the previous loop exited")
	}

	assert.True(t, a.sync.Periodic())
	assert.Equal(t, model.SyncStateIdle, a.sync.State())
}

func TestSyncService_StopDuringRunIsNotLoggedAsFailure(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	relay := newMemRelay()
	relay.hang = true
	relay.failList = errors.New("listing down")
	entered := make(chan struct{})
	var once sync.Once
	relay.uploadHook = func(string) { once.Do(func() { close(entered) }) }

	a := newInstallation(t, relay, newTestClock())
	a.save(t, "example.com", "u", "p")

	a.sync.StartPeriodic(10 * time.Millisecond)
	<-entered
	a.sync.StopPeriodic()

	assert.NotContains(t, logs.String(), "periodic sync failed")
	assert.Contains(t, logs.String(), "periodic sync stopped")
}

func TestSyncService_SaveSyncSettingsControlsPeriodicLoop(t *testing.T) {
	a := newInstallation(t, newMemRelay(), newTestClock())
	ctx := context.Background()

	_, err := a.sync.SaveSyncSettings(ctx, model.SyncSettings{
		Enabled:    true,
		AutoSync:   true,
		ServerURL:  "http://relay.other",
		IntervalMs: 60000,
	})
	require.NoError(t, err)
	assert.True(t, a.sync.Periodic())
	assert.Equal(t, "http://relay.other", a.remotes.ServerURL())

	_, err = a.sync.SaveSyncSettings(ctx, model.SyncSettings{Enabled: true, ServerURL: "http://relay.other"})
	require.NoError(t, err)
	assert.False(t, a.sync.Periodic())

	_, err = a.sync.SaveSyncSettings(ctx, model.SyncSettings{})
	require.NoError(t, err)
	assert.False(t, a.remotes.HasRemote())
}

func TestSyncService_PeriodicLoopSyncs(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	a.save(t, "example.com", "u", "p")

	a.sync.StartPeriodic(20 * time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := relay.record("example.com")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	a.sync.StopPeriodic()
	assert.False(t, a.sync.Periodic())
}

func TestSyncService_StartAppliesPersistedSettings(t *testing.T) {
	a := newInstallation(t, newMemRelay(), newTestClock())
	a.remotes.Replace(nil, "")

	_, err := a.settings.SaveSyncSettings(context.Background(), model.SyncSettings{
		Enabled: true, AutoSync: true, ServerURL: "http://relay.test", IntervalMs: 60000,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.sync.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, a.sync.Periodic, time.Second, 10*time.Millisecond)
	assert.True(t, a.remotes.HasRemote())

	cancel()
	<-done
	assert.False(t, a.sync.Periodic())
}

func TestSyncService_TestConnection(t *testing.T) {
	relay := newMemRelay()
	a := newInstallation(t, relay, newTestClock())
	ctx := context.Background()

	res := a.sync.TestConnection(ctx, "http://relay.test")
	assert.True(t, res.OK)

	res = a.sync.TestConnection(ctx, "not a url")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Message)

	relay.failPing = errors.New("connection refused")
	res = a.sync.TestConnection(ctx, "http://relay.test")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "connection refused")
}
