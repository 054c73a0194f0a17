package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
)

// DefaultPublicLimit is the page size of PublicProjects when none is given
const DefaultPublicLimit = 20

// PortfolioTracker keeps one user's portfolio projects, stats and likes in
// sync with the store
type PortfolioTracker struct {
	userID   string
	repo     storage.Repository
	feed     realtime.Feed
	notifier Notifier

	projects *cache[*models.PortfolioProject] // by project id
	liked    *cache[bool]                     // by project id

	statsMu sync.RWMutex
	stats   *models.PortfolioStats

	subs *subscriptionSet
	now  func() time.Time
}

// NewPortfolioTracker creates a tracker for userID. An empty userID gives an
// anonymous tracker that can only read public projects and count views.
func NewPortfolioTracker(userID string, repo storage.Repository, feed realtime.Feed, notifier Notifier) *PortfolioTracker {
	return &PortfolioTracker{
		userID:   userID,
		repo:     repo,
		feed:     feed,
		notifier: notifier,
		projects: newCache((*models.PortfolioProject).Clone),
		liked:    newCache[bool](nil),
		subs:     newSubscriptionSet(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open loads projects, likes and stats (creating default stats on first use)
// and subscribes to changes of the user's rows
func (t *PortfolioTracker) Open(ctx context.Context) error {
	if t.userID == "" {
		return nil
	}

	if err := t.refreshProjects(ctx); err != nil {
		return err
	}
	if err := t.refreshLikes(ctx); err != nil {
		return err
	}
	if err := t.EnsureStats(ctx); err != nil {
		return err
	}

	if t.feed != nil {
		filter := realtime.Filter{UserID: t.userID}
		for _, table := range []string{storage.TableProjects, storage.TableStats, storage.TableLikes} {
			if err := t.subs.add(ctx, t.feed, table, filter); err != nil {
				return err
			}
		}
		t.subs.start(t.onChange)
	}

	slog.Debug("portfolio tracker opened", "user_id", t.userID, "projects", t.projects.len())
	return nil
}

// Close stops change delivery
func (t *PortfolioTracker) Close() {
	t.subs.close()
}

func (t *PortfolioTracker) onChange(ctx context.Context, table string) {
	var err error
	switch table {
	case storage.TableProjects:
		err = t.refreshProjects(ctx)
	case storage.TableStats:
		err = t.refreshStats(ctx)
	case storage.TableLikes:
		err = t.refreshLikes(ctx)
	default:
		return
	}
	if err != nil && ctx.Err() == nil {
		slog.Warn("failed to refresh portfolio", "table", table, "user_id", t.userID, "error", err)
	}
}

// Refresh refetches projects, likes and stats
func (t *PortfolioTracker) Refresh(ctx context.Context) error {
	if t.userID == "" {
		return nil
	}
	return errors.Join(t.refreshProjects(ctx), t.refreshLikes(ctx), t.refreshStats(ctx))
}

func (t *PortfolioTracker) refreshProjects(ctx context.Context) error {
	projects, err := t.repo.ListProjects(ctx, t.userID)
	if err != nil {
		return errors.Join(ErrRemoteUnavailable, err)
	}
	items := make(map[string]*models.PortfolioProject, len(projects))
	for _, p := range projects {
		items[p.ID] = p
	}
	t.projects.replace(items)
	return nil
}

func (t *PortfolioTracker) refreshLikes(ctx context.Context) error {
	ids, err := t.repo.ListLikedProjectIDs(ctx, t.userID)
	if err != nil {
		return errors.Join(ErrRemoteUnavailable, err)
	}
	items := make(map[string]bool, len(ids))
	for _, id := range ids {
		items[id] = true
	}
	t.liked.replace(items)
	return nil
}

func (t *PortfolioTracker) refreshStats(ctx context.Context) error {
	stats, err := t.repo.GetStats(ctx, t.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Join(ErrRemoteUnavailable, err)
	}
	t.statsMu.Lock()
	t.stats = stats
	t.statsMu.Unlock()
	return nil
}

func (t *PortfolioTracker) requireUser(ctx context.Context) error {
	if t.userID == "" {
		t.notifier.Notify(ctx, authRequiredNotification())
		return ErrAuthRequired
	}
	return nil
}

// EnsureStats inserts the default stats row when the user has none, then refetches it
func (t *PortfolioTracker) EnsureStats(ctx context.Context) error {
	if err := t.requireUser(ctx); err != nil {
		return err
	}

	_, err := t.repo.GetStats(ctx, t.userID)
	if errors.Is(err, storage.ErrNotFound) {
		err = t.repo.CreateStats(ctx, models.DefaultPortfolioStats(t.userID))
		if errors.Is(err, storage.ErrConflict) {
			err = nil
		}
		if err == nil {
			slog.Info("portfolio stats initialized", "user_id", t.userID)
		}
	}
	if err != nil {
		return remoteFailure(ctx, t.notifier, t.userID, "initialize portfolio stats", err)
	}

	if err := t.refreshStats(ctx); err != nil {
		return remoteFailure(ctx, t.notifier, t.userID, "load portfolio stats", err)
	}
	return nil
}

// CreateProject validates and stores a new project owned by the user
func (t *PortfolioTracker) CreateProject(ctx context.Context, in models.ProjectInput) (*models.PortfolioProject, error) {
	if err := t.requireUser(ctx); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	p := &models.PortfolioProject{
		ID:     uuid.New().String(),
		UserID: t.userID,
	}
	in.Apply(p, t.now())

	if err := t.repo.CreateProject(ctx, p); err != nil {
		return nil, remoteFailure(ctx, t.notifier, t.userID, "create project", err)
	}

	slog.Info("project created", "user_id", t.userID, "project_id", p.ID)
	t.reloadProject(ctx, p)
	t.notifier.Notify(ctx, projectNotification(t.userID, "Project added", fmt.Sprintf("%q is now in your portfolio.", p.Title)))

	return t.projectOr(p), nil
}

// UpdateProject overwrites the editable fields of an owned project.
// View and like counters are never touched.
func (t *PortfolioTracker) UpdateProject(ctx context.Context, projectID string, in models.ProjectInput) (*models.PortfolioProject, error) {
	if err := t.requireUser(ctx); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	updated, err := t.repo.UpdateProject(ctx, t.userID, projectID, in, t.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, remoteFailure(ctx, t.notifier, t.userID, "update project", err)
	}

	slog.Info("project updated", "user_id", t.userID, "project_id", projectID, "status", updated.Status)
	t.reloadProject(ctx, updated)
	return t.projectOr(updated), nil
}

// DeleteProject removes an owned project
func (t *PortfolioTracker) DeleteProject(ctx context.Context, projectID string) error {
	if err := t.requireUser(ctx); err != nil {
		return err
	}

	err := t.repo.DeleteProject(ctx, t.userID, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrProjectNotFound
	}
	if err != nil {
		return remoteFailure(ctx, t.notifier, t.userID, "delete project", err)
	}

	slog.Info("project deleted", "user_id", t.userID, "project_id", projectID)
	if err := t.refreshProjects(ctx); err != nil {
		slog.Warn("refresh after delete failed", "user_id", t.userID, "error", err)
		t.projects.remove(projectID)
	}
	if err := t.refreshLikes(ctx); err != nil {
		t.liked.remove(projectID)
	}
	return nil
}

// ToggleLike flips the user's like on a project and adopts the state the
// store reports
func (t *PortfolioTracker) ToggleLike(ctx context.Context, projectID string) (bool, error) {
	if err := t.requireUser(ctx); err != nil {
		return false, err
	}

	liked, err := t.repo.ToggleProjectLike(ctx, projectID, t.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrProjectNotFound
	}
	if err != nil {
		return false, remoteFailure(ctx, t.notifier, t.userID, "toggle like", err)
	}

	if liked {
		t.liked.set(projectID, true)
	} else {
		t.liked.remove(projectID)
	}
	if _, own := t.projects.get(projectID); own {
		if err := t.refreshProjects(ctx); err != nil {
			slog.Warn("refresh after like failed", "user_id", t.userID, "error", err)
		}
	}

	slog.Debug("project like toggled", "user_id", t.userID, "project_id", projectID, "liked", liked)
	return liked, nil
}

// IncrementView counts a view of a project. Failures are logged and dropped.
func (t *PortfolioTracker) IncrementView(ctx context.Context, projectID string, view models.ViewInfo) {
	if view.ViewerID == "" {
		view.ViewerID = t.userID
	}
	RecordView(ctx, t.repo, projectID, view)
}

// RecordView counts a view without a tracker, for anonymous viewers.
// Failures are logged and dropped.
func RecordView(ctx context.Context, repo storage.Repository, projectID string, view models.ViewInfo) {
	if err := repo.IncrementProjectViews(ctx, projectID, view); err != nil {
		slog.Warn("failed to record project view", "project_id", projectID, "error", err)
	}
}

// PublicProjects lists public projects, most viewed first
func (t *PortfolioTracker) PublicProjects(ctx context.Context, limit int) ([]*models.PortfolioProject, error) {
	return ListPublicProjects(ctx, t.repo, limit)
}

// ListPublicProjects lists public projects without a tracker
func ListPublicProjects(ctx context.Context, repo storage.Repository, limit int) ([]*models.PortfolioProject, error) {
	if limit <= 0 {
		limit = DefaultPublicLimit
	}
	projects, err := repo.ListPublicProjects(ctx, limit)
	if err != nil {
		slog.Error("failed to list public projects", "error", err)
		return nil, errors.Join(ErrRemoteUnavailable, err)
	}
	return projects, nil
}

// Projects returns copies of the user's projects, newest first
func (t *PortfolioTracker) Projects() []*models.PortfolioProject {
	all := t.projects.values()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// Project returns a copy of an owned project, nil when unknown
func (t *PortfolioTracker) Project(projectID string) *models.PortfolioProject {
	p, ok := t.projects.get(projectID)
	if !ok {
		return nil
	}
	return p
}

// Stats returns a copy of the user's stats, nil before they are loaded
func (t *PortfolioTracker) Stats() *models.PortfolioStats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats.Clone()
}

// Liked reports whether the user likes the project
func (t *PortfolioTracker) Liked(projectID string) bool {
	_, ok := t.liked.get(projectID)
	return ok
}

// LikedProjects returns the ids of liked projects, sorted
func (t *PortfolioTracker) LikedProjects() []string {
	ids := t.liked.keys()
	sort.Strings(ids)
	return ids
}

// CompletionPercentage returns the project's stored percentage clamped to
// [0,100], 0 when unknown
func (t *PortfolioTracker) CompletionPercentage(projectID string) int {
	p, ok := t.projects.get(projectID)
	if !ok {
		return 0
	}
	return clampPercent(p.CompletionPercentage)
}

func (t *PortfolioTracker) reloadProject(ctx context.Context, written *models.PortfolioProject) {
	if err := t.refreshProjects(ctx); err != nil {
		slog.Warn("refresh after write failed", "user_id", t.userID, "error", err)
		t.projects.set(written.ID, written)
	}
}

func (t *PortfolioTracker) projectOr(fallback *models.PortfolioProject) *models.PortfolioProject {
	if p := t.Project(fallback.ID); p != nil {
		return p
	}
	return fallback.Clone()
}
