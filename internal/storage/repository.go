package storage

import (
	"context"
	"errors"
	"time"

	"github.com/terra-clan/progress-engine/internal/models"
)

// Table names, shared with the change feed
const (
	TableChallenges        = "project_challenges"
	TableChallengeProgress = "user_challenge_progress"
	TableProjects          = "portfolio_projects"
	TableStats             = "portfolio_stats"
	TableLikes             = "project_likes"
	TableViews             = "project_views"
)

var (
	// ErrNotFound is returned when a row does not exist or is not owned by the caller
	ErrNotFound = errors.New("row not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint
	ErrConflict = errors.New("row already exists")
)

// Repository is the remote store used by the trackers.
// Every write on user-owned rows is scoped by user id.
type Repository interface {
	// Challenge catalog
	UpsertChallenge(ctx context.Context, c *models.ChallengeDefinition) error
	ListChallenges(ctx context.Context, activeOnly bool) ([]*models.ChallengeDefinition, error)

	// Challenge progress
	CreateProgress(ctx context.Context, p *models.ChallengeProgress) error
	GetProgress(ctx context.Context, userID, challengeID string) (*models.ChallengeProgress, error)
	ListProgress(ctx context.Context, userID string) ([]*models.ChallengeProgress, error)
	UpdateProgress(ctx context.Context, userID, challengeID string, patch models.ProgressPatch) (*models.ChallengeProgress, error)

	// Portfolio projects
	CreateProject(ctx context.Context, p *models.PortfolioProject) error
	GetProject(ctx context.Context, id string) (*models.PortfolioProject, error)
	ListProjects(ctx context.Context, userID string) ([]*models.PortfolioProject, error)
	ListPublicProjects(ctx context.Context, limit int) ([]*models.PortfolioProject, error)
	UpdateProject(ctx context.Context, userID, id string, in models.ProjectInput, now time.Time) (*models.PortfolioProject, error)
	DeleteProject(ctx context.Context, userID, id string) error

	// Portfolio stats
	GetStats(ctx context.Context, userID string) (*models.PortfolioStats, error)
	CreateStats(ctx context.Context, s *models.PortfolioStats) error

	// Likes
	ListLikedProjectIDs(ctx context.Context, userID string) ([]string, error)

	// RPCs (atomic server-side operations)
	ToggleProjectLike(ctx context.Context, projectID, userID string) (bool, error)
	IncrementProjectViews(ctx context.Context, projectID string, view models.ViewInfo) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
