package application

import (
	"sync"

	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

// RemoteProvider allows the relay client to be swapped at runtime when the
// sync settings change, without restarting the sync loop.
type RemoteProvider struct {
	mu        sync.RWMutex
	remote    driven.SyncRemote
	serverURL string
}

// NewRemoteProvider creates a provider. remote may be nil when sync has not
// been configured.
func NewRemoteProvider(remote driven.SyncRemote, serverURL string) *RemoteProvider {
	return &RemoteProvider{remote: remote, serverURL: serverURL}
}

// Get returns the current remote, or nil.
func (p *RemoteProvider) Get() driven.SyncRemote {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

// ServerURL returns the URL the current remote talks to.
func (p *RemoteProvider) ServerURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serverURL
}

// Replace swaps the remote and its URL. Later Get calls see the new values.
func (p *RemoteProvider) Replace(remote driven.SyncRemote, serverURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = remote
	p.serverURL = serverURL
}

// HasRemote reports whether a remote is configured.
func (p *RemoteProvider) HasRemote() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote != nil
}
