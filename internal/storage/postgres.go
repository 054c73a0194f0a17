package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/progress-engine/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	poolConfig.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the pool for migrations
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertChallenge inserts or replaces a catalog entry
func (r *PostgresRepository) UpsertChallenge(ctx context.Context, c *models.ChallengeDefinition) error {
	stepsJSON, err := json.Marshal(c.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO project_challenges (id, title, description, difficulty, duration_hours, xp_reward, icon, category, tech_stack, steps, is_active, order_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			difficulty = EXCLUDED.difficulty,
			duration_hours = EXCLUDED.duration_hours,
			xp_reward = EXCLUDED.xp_reward,
			icon = EXCLUDED.icon,
			category = EXCLUDED.category,
			tech_stack = EXCLUDED.tech_stack,
			steps = EXCLUDED.steps,
			is_active = EXCLUDED.is_active,
			order_index = EXCLUDED.order_index,
			updated_at = NOW()
	`

	_, err = r.pool.Exec(ctx, query,
		c.ID,
		c.Title,
		c.Description,
		string(c.Difficulty),
		c.DurationHours,
		c.XPReward,
		nullString(c.Icon),
		nullString(c.Category),
		nonNilStrings(c.TechStack),
		stepsJSON,
		c.IsActive,
		c.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert challenge %s: %w", c.ID, err)
	}
	return nil
}

// ListChallenges returns catalog entries ordered by order_index
func (r *PostgresRepository) ListChallenges(ctx context.Context, activeOnly bool) ([]*models.ChallengeDefinition, error) {
	query := `
		SELECT id, title, description, difficulty, duration_hours, xp_reward, icon, category, tech_stack, steps, is_active, order_index, created_at, updated_at
		FROM project_challenges
	`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY order_index, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var result []*models.ChallengeDefinition
	for rows.Next() {
		var c models.ChallengeDefinition
		var difficulty string
		var icon, category sql.NullString
		var stepsJSON []byte

		if err := rows.Scan(
			&c.ID,
			&c.Title,
			&c.Description,
			&difficulty,
			&c.DurationHours,
			&c.XPReward,
			&icon,
			&category,
			&c.TechStack,
			&stepsJSON,
			&c.IsActive,
			&c.OrderIndex,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}

		c.Difficulty = models.Difficulty(difficulty)
		c.Icon = icon.String
		c.Category = category.String
		if stepsJSON != nil {
			if err := json.Unmarshal(stepsJSON, &c.Steps); err != nil {
				return nil, fmt.Errorf("failed to unmarshal steps of %s: %w", c.ID, err)
			}
		}
		result = append(result, &c)
	}

	return result, rows.Err()
}

const progressColumns = `id, user_id, challenge_id, current_step, completed_steps, is_completed, started_at, completed_at, notes, progress_data, created_at, updated_at`

// CreateProgress inserts a progress row, ErrConflict if (user, challenge) exists
func (r *PostgresRepository) CreateProgress(ctx context.Context, p *models.ChallengeProgress) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	dataJSON, err := json.Marshal(p.ProgressData)
	if err != nil {
		return fmt.Errorf("failed to marshal progress data: %w", err)
	}

	query := `
		INSERT INTO user_challenge_progress (id, user_id, challenge_id, current_step, completed_steps, is_completed, notes, progress_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING started_at, created_at, updated_at
	`

	err = r.pool.QueryRow(ctx, query,
		p.ID,
		p.UserID,
		p.ChallengeID,
		p.CurrentStep,
		toInt32s(p.CompletedSteps),
		p.IsCompleted,
		p.Notes,
		dataJSON,
	).Scan(&p.StartedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create progress: %w", err)
	}
	return nil
}

// GetProgress returns the row for (user, challenge)
func (r *PostgresRepository) GetProgress(ctx context.Context, userID, challengeID string) (*models.ChallengeProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM user_challenge_progress WHERE user_id = $1 AND challenge_id = $2`

	p, err := scanProgress(r.pool.QueryRow(ctx, query, userID, challengeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return p, nil
}

// ListProgress returns all progress rows of a user
func (r *PostgresRepository) ListProgress(ctx context.Context, userID string) ([]*models.ChallengeProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM user_challenge_progress WHERE user_id = $1 ORDER BY started_at`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var result []*models.ChallengeProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProgress applies patch to the (user, challenge) row and returns the stored row
func (r *PostgresRepository) UpdateProgress(ctx context.Context, userID, challengeID string, patch models.ProgressPatch) (*models.ChallengeProgress, error) {
	var sets []string
	args := []interface{}{userID, challengeID}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if patch.CompletedSteps != nil {
		add("completed_steps", toInt32s(models.NormalizeSteps(patch.CompletedSteps)))
	}
	if patch.IsCompleted != nil {
		add("is_completed", *patch.IsCompleted)
	}
	if patch.SetCompletedAt {
		add("completed_at", nullTime(patch.CompletedAt))
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if patch.ProgressData != nil {
		dataJSON, err := json.Marshal(*patch.ProgressData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal progress data: %w", err)
		}
		add("progress_data", dataJSON)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE user_challenge_progress SET ` + strings.Join(sets, ", ") +
		` WHERE user_id = $1 AND challenge_id = $2 RETURNING ` + progressColumns

	p, err := scanProgress(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}
	return p, nil
}

const projectColumns = `id, user_id, title, description, tech_stack, github_url, demo_url, image_url, status, project_type, lines_of_code, completion_percentage, featured, is_public, views_count, likes_count, created_at, updated_at, completed_at`

// CreateProject inserts a project owned by p.UserID
func (r *PostgresRepository) CreateProject(ctx context.Context, p *models.PortfolioProject) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO portfolio_projects (id, user_id, title, description, tech_stack, github_url, demo_url, image_url, status, project_type, lines_of_code, completion_percentage, featured, is_public, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		p.ID,
		p.UserID,
		p.Title,
		nullString(p.Description),
		nonNilStrings(p.TechStack),
		nullString(p.GithubURL),
		nullString(p.DemoURL),
		nullString(p.ImageURL),
		string(p.Status),
		string(p.ProjectType),
		p.LinesOfCode,
		p.CompletionPercentage,
		p.Featured,
		p.IsPublic,
		nullTime(p.CompletedAt),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject returns a project by id
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (*models.PortfolioProject, error) {
	query := `SELECT ` + projectColumns + ` FROM portfolio_projects WHERE id = $1`

	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns a user's projects, newest first
func (r *PostgresRepository) ListProjects(ctx context.Context, userID string) ([]*models.PortfolioProject, error) {
	query := `SELECT ` + projectColumns + ` FROM portfolio_projects WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryProjects(ctx, query, userID)
}

// ListPublicProjects returns public projects, most viewed first
func (r *PostgresRepository) ListPublicProjects(ctx context.Context, limit int) ([]*models.PortfolioProject, error) {
	query := `SELECT ` + projectColumns + ` FROM portfolio_projects WHERE is_public = TRUE ORDER BY views_count DESC, created_at DESC LIMIT $1`
	return r.queryProjects(ctx, query, limit)
}

func (r *PostgresRepository) queryProjects(ctx context.Context, query string, args ...interface{}) ([]*models.PortfolioProject, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var result []*models.PortfolioProject
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProject overwrites the editable fields of an owned project.
// Engagement counters are never written here.
func (r *PostgresRepository) UpdateProject(ctx context.Context, userID, id string, in models.ProjectInput, now time.Time) (*models.PortfolioProject, error) {
	query := `
		UPDATE portfolio_projects SET
			title = $3,
			description = $4,
			tech_stack = $5,
			github_url = $6,
			demo_url = $7,
			image_url = $8,
			status = $9,
			project_type = $10,
			lines_of_code = $11,
			completion_percentage = $12,
			featured = $13,
			is_public = $14,
			completed_at = CASE
				WHEN $9 IN ('completed', 'live') THEN COALESCE(completed_at, $15)
				WHEN $9 = 'archived' THEN completed_at
				ELSE NULL
			END,
			updated_at = $15
		WHERE id = $1 AND user_id = $2
		RETURNING ` + projectColumns

	p, err := scanProject(r.pool.QueryRow(ctx, query,
		id,
		userID,
		in.Title,
		nullString(in.Description),
		nonNilStrings(in.TechStack),
		nullString(in.GithubURL),
		nullString(in.DemoURL),
		nullString(in.ImageURL),
		string(in.Status),
		string(in.ProjectType),
		in.LinesOfCode,
		in.CompletionPercentage,
		in.Featured,
		in.IsPublic,
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return p, nil
}

// DeleteProject removes an owned project; likes and views cascade
func (r *PostgresRepository) DeleteProject(ctx context.Context, userID, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM portfolio_projects WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats returns a user's stats row
func (r *PostgresRepository) GetStats(ctx context.Context, userID string) (*models.PortfolioStats, error) {
	query := `
		SELECT id, user_id, total_projects, completed_projects, total_lines_of_code, technologies_mastered, code_quality_score,
			github_connected, github_username, github_repos_count, team_projects_count, live_deployments_count,
			total_views, total_likes, uptime_percentage, created_at, updated_at
		FROM portfolio_stats
		WHERE user_id = $1
	`

	var s models.PortfolioStats
	var githubUsername sql.NullString
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.ID,
		&s.UserID,
		&s.TotalProjects,
		&s.CompletedProjects,
		&s.TotalLinesOfCode,
		&s.TechnologiesMastered,
		&s.CodeQualityScore,
		&s.GithubConnected,
		&githubUsername,
		&s.GithubReposCount,
		&s.TeamProjectsCount,
		&s.LiveDeploymentsCount,
		&s.TotalViews,
		&s.TotalLikes,
		&s.UptimePercentage,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	s.GithubUsername = githubUsername.String
	return &s, nil
}

// CreateStats inserts a stats row, ErrConflict if the user has one
func (r *PostgresRepository) CreateStats(ctx context.Context, s *models.PortfolioStats) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO portfolio_stats (id, user_id, technologies_mastered, uptime_percentage)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query, s.ID, s.UserID, nonNilStrings(s.TechnologiesMastered), s.UptimePercentage).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create stats: %w", err)
	}
	return nil
}

// ListLikedProjectIDs returns the projects a user has liked
func (r *PostgresRepository) ListLikedProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT project_id FROM project_likes WHERE user_id = $1 ORDER BY project_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list likes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan like: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ToggleProjectLike calls the toggle_project_like function and returns the resulting state
func (r *PostgresRepository) ToggleProjectLike(ctx context.Context, projectID, userID string) (bool, error) {
	var liked bool
	err := r.pool.QueryRow(ctx, `SELECT toggle_project_like($1, $2)`, projectID, userID).Scan(&liked)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0002" {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to toggle like: %w", err)
	}
	return liked, nil
}

// IncrementProjectViews calls the increment_project_views function
func (r *PostgresRepository) IncrementProjectViews(ctx context.Context, projectID string, view models.ViewInfo) error {
	_, err := r.pool.Exec(ctx, `SELECT increment_project_views($1, $2, $3, $4)`,
		projectID,
		nullString(view.ViewerID),
		nullString(view.IP),
		nullString(view.UserAgent),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0002" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to increment views: %w", err)
	}
	return nil
}

func scanProgress(row pgx.Row) (*models.ChallengeProgress, error) {
	var p models.ChallengeProgress
	var steps []int32
	var completedAt sql.NullTime
	var notes sql.NullString
	var dataJSON []byte

	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ChallengeID,
		&p.CurrentStep,
		&steps,
		&p.IsCompleted,
		&p.StartedAt,
		&completedAt,
		&notes,
		&dataJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.CompletedSteps = make([]int, len(steps))
	for i, s := range steps {
		p.CompletedSteps[i] = int(s)
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	p.Notes = notes.String
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &p.ProgressData); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanProject(row pgx.Row) (*models.PortfolioProject, error) {
	var p models.PortfolioProject
	var status, projectType string
	var description, githubURL, demoURL, imageURL sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Title,
		&description,
		&p.TechStack,
		&githubURL,
		&demoURL,
		&imageURL,
		&status,
		&projectType,
		&p.LinesOfCode,
		&p.CompletionPercentage,
		&p.Featured,
		&p.IsPublic,
		&p.ViewsCount,
		&p.LikesCount,
		&p.CreatedAt,
		&p.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	p.Status = models.ProjectStatus(status)
	p.ProjectType = models.ProjectType(projectType)
	p.Description = description.String
	p.GithubURL = githubURL.String
	p.DemoURL = demoURL.String
	p.ImageURL = imageURL.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Helper functions for nullable values

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toInt32s(steps []int) []int32 {
	out := make([]int32, len(steps))
	for i, s := range steps {
		out[i] = int32(s)
	}
	return out
}
