// Package relayserver serves the sync relay API over a KV store. The relay
// stores opaque hybrid-encrypted domain groups and resolves concurrent
// uploads by keeping the copy with the newest lastModified.
package relayserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

const (
	// KeyPrefix namespaces relay records in the KV store.
	KeyPrefix = "sync/"

	requestIDHeader = "X-Request-ID"
	maxUploadBytes  = 8 << 20
)

// response is the relay's JSON wrapper.
type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server holds the relay's handlers.
type Server struct {
	kv     driven.KVStore
	logger *slog.Logger

	// uploadMu serializes the compare-and-store of uploads.
	uploadMu sync.Mutex
}

// New creates a Server over kv.
func New(kv driven.KVStore, logger *slog.Logger) *Server {
	return &Server{kv: kv, logger: logger}
}

// Router returns the relay's routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/api/sync", s.list).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/{domain}", s.download).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/{domain}", s.upload).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/{domain}", s.remove).Methods(http.MethodDelete)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// list answers every stored domain with its lastModified, ordered by domain.
func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	keys, err := s.kv.Keys(r.Context(), KeyPrefix)
	if err != nil {
		s.internalError(w, r, "list records failed", err)
		return
	}

	domains := make([]model.RemoteDomain, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := s.load(r, strings.TrimPrefix(key, KeyPrefix))
		if err != nil {
			s.internalError(w, r, "load record failed", err)
			return
		}
		if !ok {
			continue
		}
		domains = append(domains, model.RemoteDomain{
			Domain:       strings.TrimPrefix(key, KeyPrefix),
			LastModified: rec.LastModified,
		})
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Domain < domains[j].Domain })

	writeCacheable(w, r, response{Status: "success", Data: domains})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	rec, ok, err := s.load(r, domain)
	if err != nil {
		s.internalError(w, r, "load record failed", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Error: "domain not found"})
		return
	}

	writeCacheable(w, r, response{Status: "success", Data: model.RemoteRecord{
		EncryptedData: rec.EncryptedData,
		LastModified:  rec.LastModified,
	}})
}

// upload stores the payload unless the stored copy is strictly newer, in
// which case the stored copy is returned as conflict_resolved.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var payload model.SyncPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "invalid request body"})
		return
	}
	if payload.EncryptedData.EncryptedData == "" || payload.LastModified.IsZero() {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "encryptedData and lastModified are required"})
		return
	}

	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	stored, ok, err := s.load(r, domain)
	if err != nil {
		s.internalError(w, r, "load record failed", err)
		return
	}
	if ok && stored.LastModified.After(payload.LastModified) {
		s.logger.Info("upload older than stored copy",
			"domain", domain,
			"stored", stored.LastModified,
			"uploaded", payload.LastModified,
		)
		writeJSON(w, http.StatusOK, response{
			Status: string(model.UploadStatusConflictResolved),
			Data:   model.RemoteRecord{EncryptedData: stored.EncryptedData, LastModified: stored.LastModified},
		})
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		s.internalError(w, r, "encode record failed", err)
		return
	}
	if err := s.kv.Set(r.Context(), KeyPrefix+domain, raw); err != nil {
		s.internalError(w, r, "store record failed", err)
		return
	}

	writeJSON(w, http.StatusOK, response{Status: string(model.UploadStatusSuccess)})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	if err := s.kv.Remove(r.Context(), KeyPrefix+domain); err != nil {
		s.internalError(w, r, "remove record failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) load(r *http.Request, domain string) (model.SyncPayload, bool, error) {
	raw, err := s.kv.Get(r.Context(), KeyPrefix+domain)
	if err != nil || raw == nil {
		return model.SyncPayload{}, false, err
	}

	var rec model.SyncPayload
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.SyncPayload{}, false, err
	}
	return rec, true, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", r.Header.Get(requestIDHeader))
	writeJSON(w, http.StatusInternalServerError, response{Status: "error", Error: "internal server error"})
}

// requestLogger logs every request and assigns a request id when the client
// sent none.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(requestIDHeader) == "" {
			r.Header.Set(requestIDHeader, uuid.NewString())
		}
		w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.logger.Info("relay request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", r.Header.Get(requestIDHeader),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeCacheable writes a GET response with a content ETag and answers 304
// when the client already holds it. Clients must revalidate every time.
func writeCacheable(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Error: "internal server error"})
		return
	}

	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
