package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/tracker"
)

// stepResult reports whether a step operation changed anything
type stepResult struct {
	ChallengeID string                        `json:"challenge_id"`
	Step        int                           `json:"step"`
	Changed     bool                          `json:"changed"`
	Progress    *models.ChallengeProgressView `json:"progress,omitempty"`
}

// Catalog handlers

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.catalog.List())
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	def := s.catalog.Get(id)
	if def == nil {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}

	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalogDir == "" {
		respondError(w, http.StatusConflict, "catalog_static", "no catalog directory configured")
		return
	}

	if err := s.catalog.LoadFromDir(s.catalogDir); err != nil {
		slog.Error("failed to reload catalog", "dir", s.catalogDir, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to reload catalog")
		return
	}
	if err := s.catalog.SyncToRepository(r.Context(), s.repo); err != nil {
		respondTrackerError(w, err, "sync catalog")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{
		"active": len(s.catalog.List()),
	})
}

// Progress handlers

func (s *Server) handleListMyProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Challenges.Views())
}

func (s *Server) handleGetMyProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	view := sess.Challenges.View(chi.URLParam(r, "id"))
	if view == nil {
		respondError(w, http.StatusNotFound, "not_started", "challenge not started")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleStartChallenge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := sess.Challenges.Start(r.Context(), id); err != nil {
		respondTrackerError(w, err, "start challenge")
		return
	}

	respondJSON(w, http.StatusOK, sess.Challenges.View(id))
}

func (s *Server) handleAttachSubmission(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	step, ok := stepParam(w, r)
	if !ok {
		return
	}

	var req models.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "file_name is required")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := sess.Challenges.AttachSubmission(r.Context(), id, step, models.SubmissionMeta{
		FileName: req.FileName,
		FilePath: req.FilePath,
	}); err != nil {
		respondTrackerError(w, err, "attach submission")
		return
	}

	respondJSON(w, http.StatusOK, sess.Challenges.View(id))
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	s.handleStepChange(w, r, "complete step", (*tracker.ChallengeTracker).CompleteStep)
}

func (s *Server) handleUncompleteStep(w http.ResponseWriter, r *http.Request) {
	s.handleStepChange(w, r, "uncomplete step", (*tracker.ChallengeTracker).UncompleteStep)
}

type stepOp func(t *tracker.ChallengeTracker, ctx context.Context, challengeID string, stepIndex int) (bool, error)

func (s *Server) handleStepChange(w http.ResponseWriter, r *http.Request, name string, op stepOp) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	changed, err := op(sess.Challenges, r.Context(), id, step)
	if err != nil {
		respondTrackerError(w, err, name)
		return
	}
	if !changed {
		respondError(w, http.StatusNotFound, "not_started", "challenge not started")
		return
	}

	respondJSON(w, http.StatusOK, stepResult{
		ChallengeID: id,
		Step:        step,
		Changed:     changed,
		Progress:    sess.Challenges.View(id),
	})
}

func (s *Server) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req models.NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	updated, err := sess.Challenges.UpdateNotes(r.Context(), id, req.Notes)
	if err != nil {
		respondTrackerError(w, err, "update notes")
		return
	}
	if !updated {
		respondError(w, http.StatusNotFound, "not_started", "challenge not started")
		return
	}

	respondJSON(w, http.StatusOK, sess.Challenges.View(id))
}
