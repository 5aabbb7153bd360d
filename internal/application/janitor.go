package application

import (
	"context"
	"log/slog"
	"time"
)

// StagedJanitor periodically purges staged credentials older than the TTL.
type StagedJanitor struct {
	store    *CredentialStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewStagedJanitor creates a StagedJanitor.
func NewStagedJanitor(store *CredentialStore, ttl, interval time.Duration) *StagedJanitor {
	return &StagedJanitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start purges immediately, then on every interval until ctx is canceled.
func (j *StagedJanitor) Start(ctx context.Context) {
	j.purge(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("staged janitor stopped")
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

func (j *StagedJanitor) purge(ctx context.Context) {
	removed, err := j.store.PurgeExpired(ctx, j.now(), j.ttl)
	if err != nil {
		slog.Error("purge expired staged credentials failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("expired staged credentials purged", "removed", removed)
	}
}
