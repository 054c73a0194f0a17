package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
)

// MemoryRepository implements Repository in process memory. Writes publish
// changes to the feed the way the Postgres triggers do. Used for tests and
// for running without a database.
type MemoryRepository struct {
	mu         sync.RWMutex
	challenges map[string]*models.ChallengeDefinition
	progress   map[string]*models.ChallengeProgress // userID/challengeID
	projects   map[string]*models.PortfolioProject
	stats      map[string]*models.PortfolioStats // userID
	likes      map[string]*models.ProjectLike    // projectID/userID
	views      int

	feed realtime.Feed
	now  func() time.Time
}

// NewMemoryRepository creates an empty store. feed may be nil.
func NewMemoryRepository(feed realtime.Feed) *MemoryRepository {
	return &MemoryRepository{
		challenges: make(map[string]*models.ChallengeDefinition),
		progress:   make(map[string]*models.ChallengeProgress),
		projects:   make(map[string]*models.PortfolioProject),
		stats:      make(map[string]*models.PortfolioStats),
		likes:      make(map[string]*models.ProjectLike),
		feed:       feed,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func pairKey(a, b string) string {
	return a + "/" + b
}

// notify publishes outside the lock; subscribers may call back into the store
func (r *MemoryRepository) notify(ctx context.Context, table string, typ realtime.ChangeType, userID, rowID string) {
	if r.feed == nil {
		return
	}
	_ = r.feed.Publish(ctx, realtime.Change{
		Table:  table,
		Type:   typ,
		UserID: userID,
		RowID:  rowID,
		At:     r.now(),
	})
}

// Ping always succeeds
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

// UpsertChallenge inserts or replaces a catalog entry
func (r *MemoryRepository) UpsertChallenge(ctx context.Context, c *models.ChallengeDefinition) error {
	r.mu.Lock()
	cp := *c
	cp.Steps = append([]models.Step{}, c.Steps...)
	cp.TechStack = append([]string{}, c.TechStack...)
	now := r.now()
	if existing, ok := r.challenges[c.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.challenges[c.ID] = &cp
	r.mu.Unlock()
	return nil
}

// ListChallenges returns catalog entries ordered by order_index
func (r *MemoryRepository) ListChallenges(ctx context.Context, activeOnly bool) ([]*models.ChallengeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.ChallengeDefinition, 0, len(r.challenges))
	for _, c := range r.challenges {
		if activeOnly && !c.IsActive {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OrderIndex != result[j].OrderIndex {
			return result[i].OrderIndex < result[j].OrderIndex
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateProgress inserts a progress row, ErrConflict if (user, challenge) exists
func (r *MemoryRepository) CreateProgress(ctx context.Context, p *models.ChallengeProgress) error {
	r.mu.Lock()
	key := pairKey(p.UserID, p.ChallengeID)
	if _, ok := r.progress[key]; ok {
		r.mu.Unlock()
		return ErrConflict
	}
	now := r.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = now
	}
	p.CompletedSteps = models.NormalizeSteps(p.CompletedSteps)
	p.CreatedAt = now
	p.UpdatedAt = now
	r.progress[key] = p.Clone()
	r.mu.Unlock()

	r.notify(ctx, TableChallengeProgress, realtime.ChangeInsert, p.UserID, p.ID)
	return nil
}

// GetProgress returns the row for (user, challenge)
func (r *MemoryRepository) GetProgress(ctx context.Context, userID, challengeID string) (*models.ChallengeProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.progress[pairKey(userID, challengeID)]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// ListProgress returns all progress rows of a user
func (r *MemoryRepository) ListProgress(ctx context.Context, userID string) ([]*models.ChallengeProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.ChallengeProgress
	for _, p := range r.progress {
		if p.UserID == userID {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

// UpdateProgress applies patch to the (user, challenge) row
func (r *MemoryRepository) UpdateProgress(ctx context.Context, userID, challengeID string, patch models.ProgressPatch) (*models.ChallengeProgress, error) {
	r.mu.Lock()
	p, ok := r.progress[pairKey(userID, challengeID)]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	patch.Apply(p)
	p.UpdatedAt = r.now()
	out := p.Clone()
	r.mu.Unlock()

	r.notify(ctx, TableChallengeProgress, realtime.ChangeUpdate, userID, out.ID)
	return out, nil
}

// CreateProject inserts a project owned by p.UserID
func (r *MemoryRepository) CreateProject(ctx context.Context, p *models.PortfolioProject) error {
	r.mu.Lock()
	now := r.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := r.projects[p.ID]; ok {
		r.mu.Unlock()
		return ErrConflict
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	r.projects[p.ID] = p.Clone()
	r.mu.Unlock()

	r.notify(ctx, TableProjects, realtime.ChangeInsert, p.UserID, p.ID)
	return nil
}

// GetProject returns a project by id
func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.PortfolioProject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// ListProjects returns a user's projects, newest first
func (r *MemoryRepository) ListProjects(ctx context.Context, userID string) ([]*models.PortfolioProject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.PortfolioProject
	for _, p := range r.projects {
		if p.UserID == userID {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// ListPublicProjects returns public projects, most viewed first
func (r *MemoryRepository) ListPublicProjects(ctx context.Context, limit int) ([]*models.PortfolioProject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.PortfolioProject
	for _, p := range r.projects {
		if p.IsPublic {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ViewsCount != result[j].ViewsCount {
			return result[i].ViewsCount > result[j].ViewsCount
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateProject overwrites the editable fields of an owned project
func (r *MemoryRepository) UpdateProject(ctx context.Context, userID, id string, in models.ProjectInput, now time.Time) (*models.PortfolioProject, error) {
	r.mu.Lock()
	p, ok := r.projects[id]
	if !ok || p.UserID != userID {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	in.Apply(p, now)
	p.UpdatedAt = now
	out := p.Clone()
	r.mu.Unlock()

	r.notify(ctx, TableProjects, realtime.ChangeUpdate, userID, id)
	return out, nil
}

// DeleteProject removes an owned project and its likes
func (r *MemoryRepository) DeleteProject(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	p, ok := r.projects[id]
	if !ok || p.UserID != userID {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.projects, id)
	var removed []*models.ProjectLike
	for key, like := range r.likes {
		if like.ProjectID == id {
			delete(r.likes, key)
			removed = append(removed, like)
		}
	}
	r.mu.Unlock()

	for _, like := range removed {
		r.notify(ctx, TableLikes, realtime.ChangeDelete, like.UserID, like.ID)
	}
	r.notify(ctx, TableProjects, realtime.ChangeDelete, userID, id)
	return nil
}

// GetStats returns a user's stats row
func (r *MemoryRepository) GetStats(ctx context.Context, userID string) (*models.PortfolioStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// CreateStats inserts a stats row, ErrConflict if the user has one
func (r *MemoryRepository) CreateStats(ctx context.Context, s *models.PortfolioStats) error {
	r.mu.Lock()
	if _, ok := r.stats[s.UserID]; ok {
		r.mu.Unlock()
		return ErrConflict
	}
	now := r.now()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	r.stats[s.UserID] = s.Clone()
	r.mu.Unlock()

	r.notify(ctx, TableStats, realtime.ChangeInsert, s.UserID, s.ID)
	return nil
}

// ListLikedProjectIDs returns the projects a user has liked
func (r *MemoryRepository) ListLikedProjectIDs(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, like := range r.likes {
		if like.UserID == userID {
			ids = append(ids, like.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ToggleProjectLike flips the (project, user) like and the counter atomically.
// Returns the resulting state.
func (r *MemoryRepository) ToggleProjectLike(ctx context.Context, projectID, userID string) (bool, error) {
	r.mu.Lock()
	p, ok := r.projects[projectID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}

	key := pairKey(projectID, userID)
	like, exists := r.likes[key]
	var typ realtime.ChangeType
	var likeID string
	if exists {
		delete(r.likes, key)
		if p.LikesCount > 0 {
			p.LikesCount--
		}
		typ, likeID = realtime.ChangeDelete, like.ID
	} else {
		like = &models.ProjectLike{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			UserID:    userID,
			LikedAt:   r.now(),
		}
		r.likes[key] = like
		p.LikesCount++
		typ, likeID = realtime.ChangeInsert, like.ID
	}
	owner := p.UserID
	r.mu.Unlock()

	r.notify(ctx, TableLikes, typ, userID, likeID)
	r.notify(ctx, TableProjects, realtime.ChangeUpdate, owner, projectID)
	return !exists, nil
}

// IncrementProjectViews records a view and bumps the counter
func (r *MemoryRepository) IncrementProjectViews(ctx context.Context, projectID string, view models.ViewInfo) error {
	r.mu.Lock()
	p, ok := r.projects[projectID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	p.ViewsCount++
	r.views++
	owner := p.UserID
	r.mu.Unlock()

	r.notify(ctx, TableProjects, realtime.ChangeUpdate, owner, projectID)
	return nil
}
