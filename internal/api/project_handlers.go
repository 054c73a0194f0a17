package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/tracker"
)

const maxPublicLimit = 100

func (s *Server) handleListMyProjects(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Portfolio.Projects())
}

func (s *Server) handleListMyLikes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Portfolio.LikedProjects())
}

func (s *Server) handleGetPortfolioStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	stats := sess.Portfolio.Stats()
	if stats == nil {
		if err := sess.Portfolio.EnsureStats(r.Context()); err != nil {
			respondTrackerError(w, err, "load portfolio stats")
			return
		}
		stats = sess.Portfolio.Stats()
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var in models.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	p, err := sess.Portfolio.CreateProject(r.Context(), in)
	if err != nil {
		respondTrackerError(w, err, "create project")
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var in models.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	p, err := sess.Portfolio.UpdateProject(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondTrackerError(w, err, "update project")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := sess.Portfolio.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondTrackerError(w, err, "delete project")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "project deleted",
	})
}

func (s *Server) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	liked, err := sess.Portfolio.ToggleLike(r.Context(), id)
	if err != nil {
		respondTrackerError(w, err, "toggle like")
		return
	}
	respondJSON(w, http.StatusOK, models.LikeResponse{
		ProjectID: id,
		Liked:     liked,
	})
}

func (s *Server) handleListPublicProjects(w http.ResponseWriter, r *http.Request) {
	limit := tracker.DefaultPublicLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, maxPublicLimit)
		}
	}

	projects, err := tracker.ListPublicProjects(r.Context(), s.repo, limit)
	if err != nil {
		respondTrackerError(w, err, "list public projects")
		return
	}
	respondJSON(w, http.StatusOK, projects)
}

// handleRecordView counts a view in the background; the caller never waits
// on or sees a failure
func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view := models.ViewInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	var viewer *models.Identity
	if identity := IdentityFromContext(r.Context()); identity.IsAuthenticated() {
		viewer = identity
		view.ViewerID = identity.UserID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Signed-in viewers count through their own session
		if viewer != nil {
			sess, err := s.registry.Get(ctx, *viewer)
			if err == nil {
				sess.Portfolio.IncrementView(ctx, id, view)
				return
			}
			slog.Debug("failed to open session for view, counting without it", "user_id", viewer.MaskedUserID(), "error", err)
		}
		tracker.RecordView(ctx, s.repo, id, view)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	released := s.registry.Release(identity.UserID)
	respondJSON(w, http.StatusOK, map[string]bool{
		"released": released,
	})
}
