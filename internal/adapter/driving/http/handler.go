package httphandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/credsync/internal/application"
	"github.com/ericfisherdev/credsync/internal/domain/hostname"
	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/secrets"
)

const maxBodyBytes = 1 << 20

// Handler is the HTTP driving adapter that serves the local API used by the
// browser integration.
type Handler struct {
	store    *application.CredentialStore
	keys     *application.KeyService
	settings *application.SettingsService
	sync     *application.SyncService
	events   *application.EventBus
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. events may be
// nil, in which case the event stream endpoint answers 503.
func NewHandler(
	store *application.CredentialStore,
	keys *application.KeyService,
	settings *application.SettingsService,
	syncSvc *application.SyncService,
	events *application.EventBus,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:    store,
		keys:     keys,
		settings: settings,
		sync:     syncSvc,
		events:   events,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with request id, logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("POST /api/v1/staged", h.Stage)
	mux.HandleFunc("GET /api/v1/staged", h.ListStaged)
	mux.HandleFunc("DELETE /api/v1/staged", h.ClearStaged)
	mux.HandleFunc("DELETE /api/v1/staged/{domain}", h.ClearStaged)
	mux.HandleFunc("POST /api/v1/staged/confirm", h.ConfirmStaged)
	mux.HandleFunc("POST /api/v1/staged/dismiss", h.DismissStaged)

	mux.HandleFunc("GET /api/v1/accounts", h.ListDomains)
	mux.HandleFunc("GET /api/v1/accounts/{domain}", h.ListAccounts)
	mux.HandleFunc("POST /api/v1/accounts", h.SaveAccount)
	mux.HandleFunc("DELETE /api/v1/accounts/{domain}", h.DeleteAccount)

	mux.HandleFunc("GET /api/v1/keys", h.KeyInfo)
	mux.HandleFunc("POST /api/v1/keys/generate", h.GenerateKeys)
	mux.HandleFunc("POST /api/v1/keys/import", h.ImportKeys)
	mux.HandleFunc("GET /api/v1/keys/export", h.ExportKeys)
	mux.HandleFunc("DELETE /api/v1/keys", h.DeleteKeys)

	mux.HandleFunc("GET /api/v1/sync/settings", h.GetSyncSettings)
	mux.HandleFunc("PUT /api/v1/sync/settings", h.PutSyncSettings)
	mux.HandleFunc("POST /api/v1/sync/test", h.TestConnection)
	mux.HandleFunc("GET /api/v1/sync/state", h.SyncState)
	mux.HandleFunc("POST /api/v1/sync", h.SyncAll)
	mux.HandleFunc("POST /api/v1/sync/{domain}", h.SyncDomain)

	mux.HandleFunc("GET /api/v1/markings", h.ListMarkings)
	mux.HandleFunc("GET /api/v1/markings/{domain}", h.GetMarking)
	mux.HandleFunc("PUT /api/v1/markings/{domain}", h.PutMarking)
	mux.HandleFunc("DELETE /api/v1/markings/{domain}", h.DeleteMarking)

	mux.HandleFunc("GET /api/v1/password", h.GeneratePassword)
	mux.HandleFunc("GET /api/v1/events", h.Events)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// fail writes err with the status statusFor assigns. Internal errors are
// logged and masked.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "error", err, "request_id", requestID(r.Context()))
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err, "status", status, "request_id", requestID(r.Context()))
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Stage offers an observed credential to the staging area. The domain is
// derived from the page URL when not given.
func (h *Handler) Stage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Domain == "" && req.URL != "" {
		domain, sub, err := hostname.FromURL(req.URL)
		if err != nil {
			h.fail(w, r, "derive domain from url", err)
			return
		}
		req.Domain = domain
		if req.SubDomain == "" {
			req.SubDomain = sub
		}
	}

	res, err := h.store.Stage(r.Context(), application.StageRequest{
		Domain:    req.Domain,
		SubDomain: req.SubDomain,
		Username:  req.Username,
		Password:  req.Password,
		Origin:    req.URL,
	})
	if err != nil {
		h.fail(w, r, "stage credential failed", err)
		return
	}

	status := http.StatusOK
	if res.Staged {
		status = http.StatusCreated
	}
	writeJSON(w, status, StageResponse(res))
}

// ListStaged returns every staged credential.
func (h *Handler) ListStaged(w http.ResponseWriter, r *http.Request) {
	staged, err := h.store.AllStaged(r.Context())
	if err != nil {
		h.fail(w, r, "list staged credentials failed", err)
		return
	}
	writeJSON(w, http.StatusOK, staged)
}

// ClearStaged removes the staged entries of one domain, or all of them when
// no domain is given.
func (h *Handler) ClearStaged(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.ClearStaged(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.fail(w, r, "clear staged credentials failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

// ConfirmStaged moves a staged entry into the account store.
func (h *Handler) ConfirmStaged(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if !decode(w, r, &req) {
		return
	}

	account, err := h.store.Confirm(r.Context(), req.Domain, req.Username, req.SubDomain)
	if err != nil {
		h.fail(w, r, "confirm staged credential failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// DismissStaged drops a staged entry.
func (h *Handler) DismissStaged(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.store.Dismiss(r.Context(), req.Domain, req.Username, req.SubDomain); err != nil {
		h.fail(w, r, "dismiss staged credential failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDomains returns every stored account, grouped by domain, without passwords.
func (h *Handler) ListDomains(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.AllDomainGroups(r.Context())
	if err != nil {
		h.fail(w, r, "list domain groups failed", err)
		return
	}

	resp := make(map[string][]AccountResponse, len(groups))
	for _, g := range groups {
		accounts := make([]AccountResponse, 0, len(g.Accounts))
		for _, a := range g.Accounts {
			accounts = append(accounts, toAccountResponse(a))
		}
		resp[g.Domain] = accounts
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAccounts returns a domain's accounts with decrypted passwords.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.AccountsForDomain(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.fail(w, r, "list accounts failed", err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// SaveAccount stores a manually entered account.
func (h *Handler) SaveAccount(w http.ResponseWriter, r *http.Request) {
	var req SaveAccountRequest
	if !decode(w, r, &req) {
		return
	}

	account, err := h.store.SaveAccount(r.Context(), application.SaveAccountRequest{
		Domain:    req.Domain,
		SubDomain: req.SubDomain,
		Username:  req.Username,
		Password:  req.Password,
	})
	if err != nil {
		h.fail(w, r, "save account failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

// DeleteAccount removes the account named by the username and subDomain
// query parameters.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := q.Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username query parameter is required")
		return
	}

	if err := h.store.Delete(r.Context(), r.PathValue("domain"), username, q.Get("subDomain")); err != nil {
		h.fail(w, r, "delete account failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KeyInfo returns the loaded key pair's public half.
func (h *Handler) KeyInfo(w http.ResponseWriter, r *http.Request) {
	export, err := h.keys.Export()
	if err != nil {
		h.fail(w, r, "key info failed", err)
		return
	}
	writeJSON(w, http.StatusOK, KeyInfoResponse{PublicKey: export.PublicKey, Fingerprint: export.Fingerprint})
}

// GenerateKeys creates and persists a new key pair.
func (h *Handler) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	pair, err := h.keys.Generate(r.Context())
	if err != nil {
		h.fail(w, r, "generate key pair failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, KeyInfoResponse{PublicKey: pair.PublicKey, Fingerprint: pair.Fingerprint})
}

// ImportKeys loads a key pair exported from another installation.
func (h *Handler) ImportKeys(w http.ResponseWriter, r *http.Request) {
	var req ImportKeysRequest
	if !decode(w, r, &req) {
		return
	}

	fp, err := h.keys.Import(r.Context(), req.PublicKey, req.PrivateKey)
	if err != nil {
		h.fail(w, r, "import key pair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, KeyInfoResponse{PublicKey: req.PublicKey, Fingerprint: fp})
}

// ExportKeys returns the full key pair for transfer.
func (h *Handler) ExportKeys(w http.ResponseWriter, r *http.Request) {
	export, err := h.keys.Export()
	if err != nil {
		h.fail(w, r, "export key pair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// DeleteKeys forgets the key pair.
func (h *Handler) DeleteKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Delete(r.Context()); err != nil {
		h.fail(w, r, "delete key pair failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSyncSettings returns the persisted sync settings.
func (h *Handler) GetSyncSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.SyncSettings(r.Context())
	if err != nil {
		h.fail(w, r, "load sync settings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncSettingsResponse(settings))
}

// PutSyncSettings stores new sync settings and applies them immediately.
func (h *Handler) PutSyncSettings(w http.ResponseWriter, r *http.Request) {
	var req SyncSettingsRequest
	if !decode(w, r, &req) {
		return
	}

	saved, err := h.sync.SaveSyncSettings(r.Context(), model.SyncSettings{
		Enabled:    req.Enabled,
		ServerURL:  req.ServerURL,
		AutoSync:   req.AutoSync,
		IntervalMs: req.IntervalMs,
	})
	if err != nil {
		h.fail(w, r, "save sync settings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncSettingsResponse(saved))
}

// TestConnection probes a relay URL without saving it.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req TestConnectionRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.sync.TestConnection(r.Context(), req.ServerURL))
}

// SyncState reports the sync engine's state and last run.
func (h *Handler) SyncState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SyncStateResponse{
		State:      h.sync.State(),
		Periodic:   h.sync.Periodic(),
		LastReport: h.sync.LastReport(),
	})
}

// SyncAll runs a full sync and returns its report.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.SyncAll(r.Context())
	if err != nil {
		h.fail(w, r, "sync failed", err)
		return
	}

	status := http.StatusOK
	if report.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, report)
}

// SyncDomain syncs a single domain group.
func (h *Handler) SyncDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.SyncDomain(r.Context(), r.PathValue("domain")); err != nil {
		h.fail(w, r, "domain sync failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GeneratePassword returns a random password. Query parameters: length
// (default 12), symbols and excludeSimilar (booleans).
func (h *Handler) GeneratePassword(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := secrets.DefaultPasswordOptions()

	length := secrets.DefaultPasswordLength
	if v := q.Get("length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 256 {
			writeError(w, http.StatusBadRequest, "length must be between 1 and 256")
			return
		}
		length = n
	}
	for name, dst := range map[string]*bool{"symbols": &opts.Symbols, "excludeSimilar": &opts.ExcludeSimilar} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be a boolean")
				return
			}
			*dst = b
		}
	}

	password, err := secrets.RandomPassword(length, opts)
	if err != nil {
		h.fail(w, r, "generate password failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PasswordResponse{Password: password})
}
