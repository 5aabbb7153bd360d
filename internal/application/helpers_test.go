package application_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericfisherdev/credsync/internal/application"
	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// --- Mock implementations ---

// memKV is an in-memory KVStore. Setting failGet or failSet makes the
// matching calls for keys in the set return failErr.
type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet map[string]bool
	failSet map[string]bool
	failErr error
}

func newMemKV() *memKV {
	return &memKV{
		data:    map[string][]byte{},
		failGet: map[string]bool{},
		failSet: map[string]bool{},
		failErr: driven.ErrStorageUnavailable,
	}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet[key] {
		return nil, m.failErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet[key] {
		return m.failErr
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := []string{}
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memKV) raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[key])
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Publish(e model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) Events() []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Event(nil), n.events...)
}

func (n *recordingNotifier) Kind(kind model.EventKind) []model.Event {
	var out []model.Event
	for _, e := range n.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// --- Fixture ---

type fixture struct {
	kv       *memKV
	engine   *secrets.Engine
	settings *application.SettingsService
	store    *application.CredentialStore
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, newMemKV(), newTestClock())
}

// newFixtureOn builds services over an existing store, modelling a second
// process or installation sharing nothing but kv.
func newFixtureOn(t *testing.T, kv *memKV, clock *testClock) *fixture {
	t.Helper()

	engine := secrets.NewEngine()
	settings := application.NewSettingsService(kv, engine, "")
	store := application.NewCredentialStore(kv, engine, settings, application.WithClock(clock.Now))

	return &fixture{kv: kv, engine: engine, settings: settings, store: store, clock: clock}
}

func (f *fixture) stage(t *testing.T, domain, username, password string) application.StageResult {
	t.Helper()
	res, err := f.store.Stage(context.Background(), application.StageRequest{
		Domain:   domain,
		Username: username,
		Password: password,
		Origin:   "https://" + domain + "/login",
	})
	if err != nil {
		t.Fatalf("stage %s/%s: %v", domain, username, err)
	}
	return res
}

func (f *fixture) confirm(t *testing.T, domain, username string) model.Account {
	t.Helper()
	acct, err := f.store.Confirm(context.Background(), domain, username, "")
	if err != nil {
		t.Fatalf("confirm %s/%s: %v", domain, username, err)
	}
	return acct
}
