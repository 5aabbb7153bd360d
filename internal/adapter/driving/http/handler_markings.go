package httphandler

import (
	"encoding/json"
	"io"
	"net/http"
)

// ListMarkings returns the domains that have a stored field marking.
func (h *Handler) ListMarkings(w http.ResponseWriter, r *http.Request) {
	domains, err := h.store.MarkedDomains(r.Context())
	if err != nil {
		h.fail(w, r, "list markings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

// GetMarking returns the raw marking document for a domain.
func (h *Handler) GetMarking(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	marking, err := h.store.DomainMarking(r.Context(), domain)
	if err != nil {
		h.fail(w, r, "load marking failed", err)
		return
	}
	if marking == nil {
		writeError(w, http.StatusNotFound, "marking not found")
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(marking))
}

// PutMarking stores the request body verbatim as the domain's marking.
func (h *Handler) PutMarking(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.SaveDomainMarking(r.Context(), r.PathValue("domain"), body); err != nil {
		h.fail(w, r, "save marking failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMarking removes a domain's marking.
func (h *Handler) DeleteMarking(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveDomainMarking(r.Context(), r.PathValue("domain")); err != nil {
		h.fail(w, r, "remove marking failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
