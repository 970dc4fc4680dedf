// Package server exposes a docbatch Store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/pkg/docbatch"
)

const (
	defaultMaxBodyBytes = 16 << 20
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// Handler holds the server dependencies and registers routes.
type Handler struct {
	store   *docbatch.Store
	journal core.MutationJournal
	logger  *slog.Logger
	maxBody int64
	mux     *http.ServeMux
}

// New creates a Handler and wires up all routes. journal may be nil, in
// which case the journal endpoint reports 404.
func New(store *docbatch.Store, journal core.MutationJournal, logger *slog.Logger, maxBodyBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{
		store:   store,
		journal: journal,
		logger:  logger,
		maxBody: maxBodyBytes,
		mux:     http.NewServeMux(),
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler. Every request is logged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	h.logger.InfoContext(r.Context(), "request served",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.health)

	h.mux.HandleFunc("POST /documents/insert", h.insert)
	h.mux.HandleFunc("POST /documents/touch", h.touch)
	h.mux.HandleFunc("POST /documents/remove", h.remove)

	h.mux.HandleFunc("GET /journal", h.drainJournal)
}

// ---------- helpers ----------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// readJSON decodes the body keeping numbers as json.Number so that TTLs and
// document values are not rounded through float64.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.UseNumber()
	return dec.Decode(v)
}

// writeStoreError maps argument errors to 400 and everything else to 502,
// since the only other failure source is the backend.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if docbatch.IsValidationError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, context.Canceled) {
		h.logger.InfoContext(r.Context(), "request canceled", "operation", op)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "backend batch failed", "operation", op, "error", err)
	writeError(w, http.StatusBadGateway, err.Error())
}

// ---------- status endpoints ----------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- batch endpoints ----------

type insertRequest struct {
	Docs    any `json:"docs"`
	Options any `json:"options"`
}

type touchRequest struct {
	Keys    any `json:"keys"`
	Options any `json:"options"`
}

type removeRequest struct {
	Keys any `json:"keys"`
}

func (h *Handler) insert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := h.readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	docs, err := docbatch.ParseDocuments(req.Docs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := docbatch.ParseOptions(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.store.Insert(r.Context(), docs, opts)
	if err != nil {
		h.writeStoreError(w, r, "insert", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) touch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if err := h.readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	keys, err := docbatch.ParseKeys(req.Keys, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := docbatch.ParseOptions(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.store.Touch(r.Context(), keys, opts)
	if err != nil {
		h.writeStoreError(w, r, "touch", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := h.readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	keys, err := docbatch.ParseKeys(req.Keys, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.store.Remove(r.Context(), keys)
	if err != nil {
		h.writeStoreError(w, r, "remove", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ---------- journal ----------

func (h *Handler) drainJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	events, err := h.journal.Dequeue(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "journal dequeue failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*core.MutationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"remaining": h.journal.Size(),
	})
}
