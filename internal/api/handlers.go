package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/progress-engine/internal/tracker"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondTrackerError maps tracker errors to HTTP statuses
func respondTrackerError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, tracker.ErrAuthRequired):
		respondError(w, http.StatusUnauthorized, "auth_required", "sign in to continue")
	case errors.Is(err, tracker.ErrSubmissionRequired):
		respondError(w, http.StatusUnprocessableEntity, "submission_required", "submit your work for this step first")
	case errors.Is(err, tracker.ErrChallengeNotFound):
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
	case errors.Is(err, tracker.ErrProjectNotFound):
		respondError(w, http.StatusNotFound, "not_found", "project not found")
	case errors.Is(err, tracker.ErrNotStarted):
		respondError(w, http.StatusNotFound, "not_started", "challenge not started")
	case errors.Is(err, tracker.ErrInvalidStep):
		respondError(w, http.StatusBadRequest, "validation_error", "step index out of range")
	case errors.Is(err, tracker.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, tracker.ErrRemoteUnavailable):
		respondError(w, http.StatusServiceUnavailable, "remote_unavailable", "something went wrong, please try again")
	default:
		// Unexpected, keep the detail in the log only
		slog.Error("request failed", "op", op, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

// session returns the caller's tracker session
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*tracker.Session, bool) {
	// Authenticate guarantees an identity; guard anyway for routes that only Identify
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		respondTrackerError(w, tracker.ErrAuthRequired, "open session")
		return nil, false
	}

	// Opens and loads the trackers on first use
	sess, err := s.registry.Get(r.Context(), *identity)
	if err != nil {
		respondTrackerError(w, err, "open session")
		return nil, false
	}
	return sess, true
}

// stepParam parses the {step} URL parameter
func stepParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "step must be a non-negative integer")
		return 0, false
	}
	return step, true
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Run every registered check (store, plus redis when configured)
	results := s.checks.CheckAll(r.Context())

	status := http.StatusOK
	checks := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	// Any failed check makes the instance unready
	if status != http.StatusOK {
		respondError(w, status, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}
