package api

import (
	"encoding/json"
	"net/http"

	"github.com/cloudbox/cloudbox/internal/execjob"
)

// executeUserHeader is the header spec.md §4.7/§6 names for /execute.
// getOutputsUserHeader resolves the Open Question spec.md §9 raises for
// /get_outputs (the source used X-Aqtakehome-User and X-xoblas-terminal-User
// across drafts; X-Aqtakehome-User is the one kept).
const (
	executeUserHeader    = "X-User"
	getOutputsUserHeader = "X-Aqtakehome-User"
)

type executeRequest struct {
	Code       string `json:"code"`
	ShouldSave bool   `json:"should_save"`
}

type executeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Saved    bool   `json:"saved"`
}

// handleExecute implements POST /execute: acquire the user's sandbox for
// the duration of the run, execute the submitted code via ExecuteJob, and
// release it again. spec.md §7 maps a persistence failure to 401 with no
// output returned; a runtime (non-zero exit) failure returns 400 carrying
// stdout/stderr.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(executeUserHeader)
	if userID == "" {
		writeValidationError(w, "missing "+executeUserHeader+" header", nil)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid JSON body", nil)
		return
	}
	if req.Code == "" {
		writeValidationError(w, "code must not be empty", nil)
		return
	}

	info, err := s.registry.Acquire(r.Context(), userID, "", "")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer s.registry.Release(userID)

	result := s.execJob.Run(r.Context(), userID, info.InstanceID, req.Code, req.ShouldSave)

	w.Header().Set("Content-Type", "application/json")
	switch result.Status {
	case execjob.StatusInternal:
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(APIError{Code: ErrCodeInternalError, Message: result.Error})
	case execjob.StatusBadInput:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(executeResponse{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode})
	case execjob.StatusCreated:
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(executeResponse{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode, Saved: true})
	default:
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(executeResponse{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode})
	}
}

type getOutputsRequest struct {
	Quantity int `json:"quantity"`
}

// handleGetOutputs implements POST /get_outputs, paging through a user's
// persisted execution history.
func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(getOutputsUserHeader)
	if userID == "" {
		writeValidationError(w, "missing "+getOutputsUserHeader+" header", nil)
		return
	}
	if s.outputStore == nil {
		writeAPIError(w, errNoPersistence)
		return
	}

	var req getOutputsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeValidationError(w, "invalid JSON body", nil)
			return
		}
	}

	outputs, err := s.outputStore.RecentOutputs(userID, req.Quantity)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"outputs": outputs})
}
