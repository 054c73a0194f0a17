package models

import (
	"time"
)

// ProjectStatus represents the lifecycle state of a portfolio project
type ProjectStatus string

const (
	ProjectDevelopment ProjectStatus = "development"
	ProjectCompleted   ProjectStatus = "completed"
	ProjectLive        ProjectStatus = "live"
	ProjectArchived    ProjectStatus = "archived"
)

// IsFinished returns true if the project no longer counts as in progress
func (s ProjectStatus) IsFinished() bool {
	return s == ProjectCompleted || s == ProjectLive
}

// ProjectType classifies a portfolio project
type ProjectType string

const (
	ProjectTypeWeb     ProjectType = "web"
	ProjectTypeMobile  ProjectType = "mobile"
	ProjectTypeDesktop ProjectType = "desktop"
	ProjectTypeAPI     ProjectType = "api"
	ProjectTypeCLI     ProjectType = "cli"
	ProjectTypeOther   ProjectType = "other"
)

// PortfolioProject is a project owned by exactly one user.
// ViewsCount and LikesCount only change through the engagement RPCs.
type PortfolioProject struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"user_id"`
	Title                string        `json:"title"`
	Description          string        `json:"description,omitempty"`
	TechStack            []string      `json:"tech_stack"`
	GithubURL            string        `json:"github_url,omitempty"`
	DemoURL              string        `json:"demo_url,omitempty"`
	ImageURL             string        `json:"image_url,omitempty"`
	Status               ProjectStatus `json:"status"`
	ProjectType          ProjectType   `json:"project_type"`
	LinesOfCode          int           `json:"lines_of_code"`
	CompletionPercentage int           `json:"completion_percentage"`
	Featured             bool          `json:"featured"`
	IsPublic             bool          `json:"is_public"`
	ViewsCount           int           `json:"views_count"`
	LikesCount           int           `json:"likes_count"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (p *PortfolioProject) Clone() *PortfolioProject {
	if p == nil {
		return nil
	}
	out := *p
	out.TechStack = append([]string{}, p.TechStack...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ProjectInput is the user-editable part of a project, used for create and update
type ProjectInput struct {
	Title                string        `json:"title" validate:"required,max=200"`
	Description          string        `json:"description" validate:"max=5000"`
	TechStack            []string      `json:"tech_stack" validate:"dive,required,max=50"`
	GithubURL            string        `json:"github_url" validate:"omitempty,url"`
	DemoURL              string        `json:"demo_url" validate:"omitempty,url"`
	ImageURL             string        `json:"image_url" validate:"omitempty,url"`
	Status               ProjectStatus `json:"status" validate:"required,oneof=development completed live archived"`
	ProjectType          ProjectType   `json:"project_type" validate:"required,oneof=web mobile desktop api cli other"`
	LinesOfCode          int           `json:"lines_of_code" validate:"min=0"`
	CompletionPercentage int           `json:"completion_percentage" validate:"min=0,max=100"`
	Featured             bool          `json:"featured"`
	IsPublic             bool          `json:"is_public"`
}

// Apply copies the input onto the project and maintains CompletedAt
func (in ProjectInput) Apply(p *PortfolioProject, now time.Time) {
	p.Title = in.Title
	p.Description = in.Description
	p.TechStack = append([]string{}, in.TechStack...)
	p.GithubURL = in.GithubURL
	p.DemoURL = in.DemoURL
	p.ImageURL = in.ImageURL
	p.Status = in.Status
	p.ProjectType = in.ProjectType
	p.LinesOfCode = in.LinesOfCode
	p.CompletionPercentage = in.CompletionPercentage
	p.Featured = in.Featured
	p.IsPublic = in.IsPublic

	switch {
	case in.Status.IsFinished() && p.CompletedAt == nil:
		p.CompletedAt = &now
	case !in.Status.IsFinished() && in.Status != ProjectArchived:
		p.CompletedAt = nil
	}
}

// PortfolioStats is a per-user denormalized rollup maintained outside the tracker
type PortfolioStats struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	TotalProjects        int       `json:"total_projects"`
	CompletedProjects    int       `json:"completed_projects"`
	TotalLinesOfCode     int       `json:"total_lines_of_code"`
	TechnologiesMastered []string  `json:"technologies_mastered"`
	CodeQualityScore     float64   `json:"code_quality_score"`
	GithubConnected      bool      `json:"github_connected"`
	GithubUsername       string    `json:"github_username,omitempty"`
	GithubReposCount     int       `json:"github_repos_count"`
	TeamProjectsCount    int       `json:"team_projects_count"`
	LiveDeploymentsCount int       `json:"live_deployments_count"`
	TotalViews           int       `json:"total_views"`
	TotalLikes           int       `json:"total_likes"`
	UptimePercentage     float64   `json:"uptime_percentage"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DefaultPortfolioStats is the row inserted on first access
func DefaultPortfolioStats(userID string) *PortfolioStats {
	return &PortfolioStats{
		UserID:               userID,
		TechnologiesMastered: []string{},
		UptimePercentage:     99.9,
	}
}

// Clone returns a deep copy
func (s *PortfolioStats) Clone() *PortfolioStats {
	if s == nil {
		return nil
	}
	out := *s
	out.TechnologiesMastered = append([]string{}, s.TechnologiesMastered...)
	return &out
}

// ProjectLike marks that a user liked a project. At most one per (user, project).
type ProjectLike struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	LikedAt   time.Time `json:"liked_at"`
}

// ViewInfo carries optional viewer details for view counting
type ViewInfo struct {
	ViewerID  string
	IP        string
	UserAgent string
}

// LikeResponse is returned after toggling a like
type LikeResponse struct {
	ProjectID string `json:"project_id"`
	Liked     bool   `json:"liked"`
}
