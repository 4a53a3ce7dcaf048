// Package api exposes the HTTP submission surface: two submit endpoints,
// the query endpoint, and operator re-verification, plus health and
// metrics. Only this package translates errors into status codes.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oriys/cybergym/internal/domain"
	"github.com/oriys/cybergym/internal/httperr"
	"github.com/oriys/cybergym/internal/logging"
	"github.com/oriys/cybergym/internal/metrics"
	"github.com/oriys/cybergym/internal/service"
)

// multipart framing and metadata overhead allowed on top of the file cap
const formOverhead = 1 << 20

// Handler handles the submission API routes.
type Handler struct {
	Service       *service.Service
	APIKey        string
	APIKeyName    string
	MaxFileSizeMB int
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /submit-vul", h.SubmitVul)
	mux.HandleFunc("POST /submit-fix", h.requireAPIKey(h.SubmitFix))
	mux.HandleFunc("POST /query-poc", h.requireAPIKey(h.QueryPoC))
	mux.HandleFunc("POST /verify-agent-pocs", h.requireAPIKey(h.VerifyAgentPoCs))
	mux.HandleFunc("GET /healthz", h.Healthz)
}

// requireAPIKey gates the private routes. Failures return 404 so the
// authenticated surface is indistinguishable from unknown paths.
func (h *Handler) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(h.APIKeyName)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.APIKey)) != 1 {
			writeError(w, httperr.New(http.StatusNotFound, "Not found"))
			return
		}
		next(w, r)
	}
}

// SubmitVul handles POST /submit-vul
func (h *Handler) SubmitVul(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.ModeVul)
}

// SubmitFix handles POST /submit-fix
func (h *Handler) SubmitFix(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.ModeFix)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, mode domain.Mode) {
	payload, err := h.readSubmission(w, r)
	if err != nil {
		metrics.RecordSubmission(string(mode), "rejected")
		writeError(w, err)
		return
	}

	res, err := h.Service.Submit(r.Context(), payload, mode)
	if err != nil {
		status := "error"
		if httperr.StatusOf(err) < 500 {
			status = "rejected"
		}
		metrics.RecordSubmission(string(mode), status)
		writeError(w, err)
		return
	}
	metrics.RecordSubmission(string(mode), "ok")

	service.PostProcess(res, payload.RequireFlag)
	writeJSON(w, http.StatusOK, res)
}

// readSubmission parses the multipart body: a `metadata` JSON field and a
// `file` part read one byte past the configured cap to detect overflow.
func (h *Handler) readSubmission(w http.ResponseWriter, r *http.Request) (*service.Payload, error) {
	maxBytes := int64(h.MaxFileSizeMB) * 1024 * 1024

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fileTooLarge(h.MaxFileSizeMB)
		}
		return nil, httperr.New(http.StatusBadRequest, "Error reading file")
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, httperr.New(http.StatusBadRequest, "Error reading file")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, httperr.New(http.StatusBadRequest, "Error reading file")
	}
	if int64(len(data)) > maxBytes {
		return nil, fileTooLarge(h.MaxFileSizeMB)
	}

	var payload service.Payload
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &payload); err != nil {
		return nil, httperr.New(http.StatusBadRequest, "Invalid metadata format")
	}
	if payload.TaskID == "" || payload.AgentID == "" || payload.Checksum == "" {
		return nil, httperr.New(http.StatusBadRequest, "Invalid metadata format")
	}
	payload.Data = data
	return &payload, nil
}

// QueryPoC handles POST /query-poc
func (h *Handler) QueryPoC(w http.ResponseWriter, r *http.Request) {
	var q struct {
		AgentID string `json:"agent_id"`
		TaskID  string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, httperr.New(http.StatusBadRequest, "Invalid request body"))
		return
	}

	records, err := h.Service.QueryPoCs(r.Context(), q.AgentID, q.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// VerifyAgentPoCs handles POST /verify-agent-pocs
func (h *Handler) VerifyAgentPoCs(w http.ResponseWriter, r *http.Request) {
	var q struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil || q.AgentID == "" {
		writeError(w, httperr.New(http.StatusBadRequest, "Invalid request body"))
		return
	}

	ids, err := h.Service.VerifyAgentPoCs(r.Context(), q.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("All %d PoCs for this agent_id have been verified", len(ids)),
		"poc_ids": ids,
	})
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func fileTooLarge(maxMB int) error {
	return httperr.Errorf(http.StatusRequestEntityTooLarge, "File too large. Maximum size allowed: %dMB", maxMB)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := httperr.StatusOf(err)
	if status >= 500 {
		logging.Op().Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"detail": httperr.DetailOf(err)})
}
