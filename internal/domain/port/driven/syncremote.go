package driven

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/credsync/internal/domain/model"
)

// ErrRemoteNotFound is returned by SyncRemote.Download when the relay holds
// nothing for the requested domain.
var ErrRemoteNotFound = errors.New("remote domain not found")

// NetworkError describes a failed exchange with the relay. StatusCode is zero
// when no HTTP response was received.
type NetworkError struct {
	Op         string
	Domain     string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	target := e.Op
	if e.Domain != "" {
		target = fmt.Sprintf("%s %q", e.Op, e.Domain)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay %s: status %d: %v", target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SyncRemote defines the driven port for the sync relay wire protocol.
type SyncRemote interface {
	// Upload sends a domain group. When the relay holds a newer copy the
	// result carries it with status conflict_resolved.
	Upload(ctx context.Context, domain string, payload model.SyncPayload) (model.UploadResult, error)

	// Download fetches a domain group. Returns ErrRemoteNotFound when absent.
	Download(ctx context.Context, domain string) (model.RemoteRecord, error)

	// ListDomains lists every domain group the relay holds.
	ListDomains(ctx context.Context) ([]model.RemoteDomain, error)

	// Ping checks that the relay answers the listing endpoint.
	Ping(ctx context.Context) error
}

// SyncRemoteFactory builds a SyncRemote for a server URL.
type SyncRemoteFactory func(serverURL string) (SyncRemote, error)
