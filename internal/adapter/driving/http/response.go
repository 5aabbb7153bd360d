package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ericfisherdev/credsync/internal/application"
	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a service error to an HTTP status. Only 500s hide the
// error text from the client.
func statusFor(err error) int {
	var netErr *driven.NetworkError
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, secrets.ErrEmptyCharset):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrStagedNotFound), errors.Is(err, application.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, secrets.ErrNoKeyConfigured), errors.Is(err, application.ErrSyncNotConfigured):
		return http.StatusConflict
	case errors.Is(err, secrets.ErrKeyMismatch), errors.Is(err, secrets.ErrInvalidKey), errors.Is(err, secrets.ErrDecrypt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, application.ErrPassphraseRequired):
		return http.StatusLocked
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// StageRequest is the JSON body for the capture endpoint. When Domain is
// empty it is derived from URL.
type StageRequest struct {
	URL       string `json:"url"`
	Domain    string `json:"domain"`
	SubDomain string `json:"subDomain"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// StageResponse reports the outcome of a capture.
type StageResponse struct {
	Staged bool                    `json:"staged"`
	Entry  *model.StagedCredential `json:"entry,omitempty"`
}

// IdentityRequest names a staged entry or account.
type IdentityRequest struct {
	Domain    string `json:"domain"`
	SubDomain string `json:"subDomain"`
	Username  string `json:"username"`
}

// SaveAccountRequest is the JSON body for manual account entry.
type SaveAccountRequest struct {
	Domain    string `json:"domain"`
	SubDomain string `json:"subDomain"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// AccountResponse is a stored account without its password blob.
type AccountResponse struct {
	Domain     string `json:"domain"`
	SubDomain  string `json:"subDomain"`
	Username   string `json:"username"`
	Source     string `json:"source"`
	CreatedAt  string `json:"createdAt"`
	ModifiedAt string `json:"modifiedAt"`
}

// ClearResponse reports how many staged entries were removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ImportKeysRequest is the JSON body for key import.
type ImportKeysRequest struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// KeyInfoResponse describes the loaded key pair without the private key.
type KeyInfoResponse struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

// SyncSettingsRequest is the editable part of the sync settings.
type SyncSettingsRequest struct {
	Enabled    bool   `json:"enabled"`
	ServerURL  string `json:"serverUrl"`
	AutoSync   bool   `json:"autoSync"`
	IntervalMs int64  `json:"syncInterval"`
}

// SyncSettingsResponse is the sync settings with the key pair reduced to a
// fingerprint.
type SyncSettingsResponse struct {
	Enabled     bool   `json:"enabled"`
	ServerURL   string `json:"serverUrl"`
	AutoSync    bool   `json:"autoSync"`
	IntervalMs  int64  `json:"syncInterval"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// TestConnectionRequest names the relay to probe.
type TestConnectionRequest struct {
	ServerURL string `json:"serverUrl"`
}

// SyncStateResponse is the sync engine's current status.
type SyncStateResponse struct {
	State      model.SyncState   `json:"state"`
	Periodic   bool              `json:"periodic"`
	LastReport *model.SyncReport `json:"lastReport,omitempty"`
}

// PasswordResponse carries a generated password.
type PasswordResponse struct {
	Password string `json:"password"`
}

// toAccountResponse converts a stored account to its JSON representation.
func toAccountResponse(a model.Account) AccountResponse {
	return AccountResponse{
		Domain:     a.Domain,
		SubDomain:  a.SubDomain,
		Username:   a.Username,
		Source:     string(a.Source),
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		ModifiedAt: a.ModifiedAt.UTC().Format(time.RFC3339),
	}
}

// toSyncSettingsResponse converts sync settings to their JSON representation.
func toSyncSettingsResponse(s model.SyncSettings) SyncSettingsResponse {
	resp := SyncSettingsResponse{
		Enabled:    s.Enabled,
		ServerURL:  s.ServerURL,
		AutoSync:   s.AutoSync,
		IntervalMs: s.IntervalMs,
	}
	if s.PublicKey != "" {
		resp.Fingerprint = secrets.Fingerprint(s.PublicKey)
	}
	return resp
}
