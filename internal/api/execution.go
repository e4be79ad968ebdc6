package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmallory/procbox/internal/engine"
	"github.com/jmallory/procbox/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// submitExecutionRequest is the JSON body for POST /v1/executions.
// AcknowledgeWarnings is pass-through metadata for the upstream policy
// layer; the engine never sees or stores it.
type submitExecutionRequest struct {
	Command             string            `json:"command"`
	Args                []string          `json:"args"`
	Stdin               string            `json:"stdin,omitempty"`
	StdinFromID         string            `json:"stdin_from_id,omitempty"`
	Cwd                 string            `json:"cwd,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	AcknowledgeWarnings []string          `json:"acknowledge_warnings,omitempty"`
}

// cancelExecutionResponse is the JSON response for DELETE /v1/executions/{id}.
type cancelExecutionResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	res, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Command:     req.Command,
		Args:        req.Args,
		Stdin:       req.Stdin,
		StdinFromID: req.StdinFromID,
		WorkingDir:  req.Cwd,
		Env:         req.Env,
	})
	switch {
	case errors.Is(err, engine.ErrConflictingStdin), errors.Is(err, engine.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "referenced execution not found")
		return
	case errors.Is(err, engine.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	case err != nil:
		s.logger.Error("submit execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	includeStdout := r.URL.Query().Get("stdout") != "false"
	includeStderr := r.URL.Query().Get("stderr") != "false"

	view, err := s.engine.Get(r.Context(), id, includeStdout, includeStderr)
	switch {
	case errors.Is(err, engine.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	case err != nil:
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := s.engine.Cancel(id)
	if errors.Is(err, engine.ErrInvalidID) {
		s.writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	if err != nil {
		s.logger.Error("cancel execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	s.writeJSON(w, http.StatusOK, cancelExecutionResponse{Cancelled: cancelled})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
