package relayserver_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credsync/internal/adapter/driven/bolt"
	"github.com/ericfisherdev/credsync/internal/adapter/driven/relay"
	"github.com/ericfisherdev/credsync/internal/adapter/driving/relayserver"
	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

func setupRelay(t *testing.T) (*httptest.Server, *relay.Client) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "relay.bolt"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(relayserver.New(store, slog.Default()).Router())
	t.Cleanup(srv.Close)

	client, err := relay.NewClient(srv.URL, relay.WithTimeout(5*time.Second))
	require.NoError(t, err)
	return srv, client
}

func payload(data string, at time.Time) model.SyncPayload {
	return model.SyncPayload{
		EncryptedData: model.Envelope{
			Type:          model.EnvelopeTypeHybrid,
			EncryptedKey:  "a2V5",
			EncryptedData: data,
			IV:            "aXY=",
		},
		LastModified: at,
		Hash:         "h-" + data,
	}
}

func TestRelay_UploadThenDownload(t *testing.T) {
	_, client := setupRelay(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := client.Upload(ctx, "example.com", payload("first", at))
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusSuccess, res.Status)
	assert.Nil(t, res.Data)

	rec, err := client.Download(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "first", rec.EncryptedData.EncryptedData)
	assert.True(t, at.Equal(rec.LastModified))
}

func TestRelay_OlderUploadReturnsStoredCopy(t *testing.T) {
	_, client := setupRelay(t)
	ctx := context.Background()
	newer := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	_, err := client.Upload(ctx, "example.com", payload("newer", newer))
	require.NoError(t, err)

	res, err := client.Upload(ctx, "example.com", payload("older", older))
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusConflictResolved, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "newer", res.Data.EncryptedData.EncryptedData)
	assert.True(t, newer.Equal(res.Data.LastModified))

	rec, err := client.Download(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "newer", rec.EncryptedData.EncryptedData)
}

func TestRelay_EqualOrNewerUploadReplaces(t *testing.T) {
	_, client := setupRelay(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := client.Upload(ctx, "example.com", payload("one", at))
	require.NoError(t, err)

	res, err := client.Upload(ctx, "example.com", payload("two", at))
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusSuccess, res.Status)

	res, err = client.Upload(ctx, "example.com", payload("three", at.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusSuccess, res.Status)

	rec, err := client.Download(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "three", rec.EncryptedData.EncryptedData)
}

func TestRelay_ListDomains(t *testing.T) {
	_, client := setupRelay(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	domains, err := client.ListDomains(ctx)
	require.NoError(t, err)
	assert.Empty(t, domains)

	for i, d := range []string{"b.org", "a.com"} {
		_, err := client.Upload(ctx, d, payload(d, at.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	domains, err = client.ListDomains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 2)
	assert.Equal(t, "a.com", domains[0].Domain)
	assert.Equal(t, "b.org", domains[1].Domain)
	assert.True(t, at.Equal(domains[1].LastModified))

	require.NoError(t, client.Ping(ctx))
}

func TestRelay_DownloadMissing(t *testing.T) {
	_, client := setupRelay(t)

	_, err := client.Download(context.Background(), "nothing.com")
	assert.ErrorIs(t, err, driven.ErrRemoteNotFound)
}

func TestRelay_RejectsBadUploads(t *testing.T) {
	srv, _ := setupRelay(t)

	for _, body := range []string{`{`, `{"lastModified":"2024-03-01T12:00:00Z"}`, `{"encryptedData":{"encryptedData":"x"}}`} {
		resp, err := http.Post(srv.URL+"/api/sync/example.com", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestRelay_ConditionalGet(t *testing.T) {
	srv, client := setupRelay(t)
	ctx := context.Background()

	_, err := client.Upload(ctx, "example.com", payload("data", time.Now().UTC()))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/sync/example.com")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sync/example.com", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestRelay_DeleteAndRequestID(t *testing.T) {
	srv, client := setupRelay(t)
	ctx := context.Background()

	_, err := client.Upload(ctx, "example.com", payload("data", time.Now().UTC()))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/sync/example.com", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))

	_, err = client.Download(ctx, "example.com")
	assert.ErrorIs(t, err, driven.ErrRemoteNotFound)
}
