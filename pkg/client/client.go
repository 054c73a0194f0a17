package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/terra-clan/progress-engine/internal/models"
)

// Client is a Go SDK for the progress-engine API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new progress-engine client. Without WithToken only
// public endpoints work.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is an error response from the API
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an API error with the given code
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// StepResult is returned by step completion calls
type StepResult struct {
	ChallengeID string                        `json:"challenge_id"`
	Step        int                           `json:"step"`
	Changed     bool                          `json:"changed"`
	Progress    *models.ChallengeProgressView `json:"progress,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

// Catalog

// ListChallenges returns the active challenges in display order
func (c *Client) ListChallenges(ctx context.Context) ([]*models.ChallengeDefinition, error) {
	var out []*models.ChallengeDefinition
	if err := c.call(ctx, http.MethodGet, "/api/v1/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChallenge retrieves a challenge definition by ID
func (c *Client) GetChallenge(ctx context.Context, id string) (*models.ChallengeDefinition, error) {
	var out models.ChallengeDefinition
	if err := c.call(ctx, http.MethodGet, "/api/v1/challenges/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Challenge progress

// StartChallenge starts a challenge. Starting twice returns the existing progress.
func (c *Client) StartChallenge(ctx context.Context, id string) (*models.ChallengeProgressView, error) {
	var out models.ChallengeProgressView
	if err := c.call(ctx, http.MethodPost, challengePath(id, "/start"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachSubmission records submitted work for a step
func (c *Client) AttachSubmission(ctx context.Context, id string, step int, req models.SubmissionRequest) (*models.ChallengeProgressView, error) {
	var out models.ChallengeProgressView
	if err := c.call(ctx, http.MethodPut, stepPath(id, step, "/submission"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteStep marks a step done
func (c *Client) CompleteStep(ctx context.Context, id string, step int) (*StepResult, error) {
	var out StepResult
	if err := c.call(ctx, http.MethodPost, stepPath(id, step, "/complete"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UncompleteStep marks a step not done
func (c *Client) UncompleteStep(ctx context.Context, id string, step int) (*StepResult, error) {
	var out StepResult
	if err := c.call(ctx, http.MethodDelete, stepPath(id, step, "/complete"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateNotes overwrites the notes on a started challenge
func (c *Client) UpdateNotes(ctx context.Context, id, notes string) (*models.ChallengeProgressView, error) {
	var out models.ChallengeProgressView
	if err := c.call(ctx, http.MethodPut, challengePath(id, "/notes"), models.NotesRequest{Notes: notes}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyChallenges returns the caller's progress on every started challenge
func (c *Client) MyChallenges(ctx context.Context) ([]models.ChallengeProgressView, error) {
	var out []models.ChallengeProgressView
	if err := c.call(ctx, http.MethodGet, "/api/v1/me/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MyChallenge returns the caller's progress on one challenge
func (c *Client) MyChallenge(ctx context.Context, id string) (*models.ChallengeProgressView, error) {
	var out models.ChallengeProgressView
	if err := c.call(ctx, http.MethodGet, "/api/v1/me/challenges/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Portfolio

// MyProjects returns the caller's projects, newest first
func (c *Client) MyProjects(ctx context.Context) ([]*models.PortfolioProject, error) {
	var out []*models.PortfolioProject
	if err := c.call(ctx, http.MethodGet, "/api/v1/me/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProject adds a project to the caller's portfolio
func (c *Client) CreateProject(ctx context.Context, in models.ProjectInput) (*models.PortfolioProject, error) {
	var out models.PortfolioProject
	if err := c.call(ctx, http.MethodPost, "/api/v1/projects", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProject overwrites an owned project
func (c *Client) UpdateProject(ctx context.Context, id string, in models.ProjectInput) (*models.PortfolioProject, error) {
	var out models.PortfolioProject
	if err := c.call(ctx, http.MethodPut, "/api/v1/projects/"+url.PathEscape(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject removes an owned project
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/projects/"+url.PathEscape(id), nil, nil)
}

// ToggleLike flips the caller's like and returns the new state
func (c *Client) ToggleLike(ctx context.Context, id string) (bool, error) {
	var out models.LikeResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(id)+"/like", nil, &out); err != nil {
		return false, err
	}
	return out.Liked, nil
}

// RecordView counts a view. The server records it in the background.
func (c *Client) RecordView(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(id)+"/view", nil, nil)
}

// PublicProjects lists public projects, most viewed first. limit <= 0 uses the server default.
func (c *Client) PublicProjects(ctx context.Context, limit int) ([]*models.PortfolioProject, error) {
	path := "/api/v1/projects/public"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out []*models.PortfolioProject
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PortfolioStats returns the caller's portfolio stats
func (c *Client) PortfolioStats(ctx context.Context) (*models.PortfolioStats, error) {
	var out models.PortfolioStats
	if err := c.call(ctx, http.MethodGet, "/api/v1/me/portfolio/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LikedProjects returns the IDs of projects the caller likes
func (c *Client) LikedProjects(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.call(ctx, http.MethodGet, "/api/v1/me/likes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseSession drops the caller's server-side tracker session, e.g. on logout
func (c *Client) ReleaseSession(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/me/session", nil, nil)
}

func challengePath(id, suffix string) string {
	return "/api/v1/challenges/" + url.PathEscape(id) + suffix
}

func stepPath(id string, step int, suffix string) string {
	return challengePath(id, fmt.Sprintf("/steps/%d%s", step, suffix))
}

// call sends in as JSON and decodes the envelope's data into out
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}

	var result envelope
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	endpoint := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "http_error", Message: string(respBody)}
		var result envelope
		if json.Unmarshal(respBody, &result) == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}

	return respBody, nil
}
