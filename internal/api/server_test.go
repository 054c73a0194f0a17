package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/terra-clan/progress-engine/internal/auth"
	"github.com/terra-clan/progress-engine/internal/catalog"
	"github.com/terra-clan/progress-engine/internal/config"
	"github.com/terra-clan/progress-engine/internal/health"
	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
	"github.com/terra-clan/progress-engine/internal/tracker"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type testAPI struct {
	server   *Server
	repo     *storage.MemoryRepository
	hub      *realtime.Hub
	registry *tracker.Registry
	tokens   *auth.TokenManager
}

func newTestAPI(t *testing.T, limiter *RateLimiter) *testAPI {
	t.Helper()

	hub := realtime.NewHub()
	repo := storage.NewMemoryRepository(hub)

	loader := catalog.NewLoader()
	loader.Add(&models.ChallengeDefinition{
		ID:         "api",
		Title:      "Build an API",
		Difficulty: models.DifficultyIntermediate,
		XPReward:   300,
		IsActive:   true,
		Steps:      []models.Step{{Title: "model"}, {Title: "handlers"}, {Title: "tests"}},
	})

	broadcaster := tracker.NewBroadcaster()
	registry := tracker.NewRegistry(repo, loader, hub, broadcaster)
	t.Cleanup(registry.Close)

	tokens := auth.NewTokenManager(testSecret, "progress-engine", time.Hour)

	srv := NewServer(config.ServerConfig{}, Dependencies{
		Repo:        repo,
		Catalog:     loader,
		Registry:    registry,
		Broadcaster: broadcaster,
		Feed:        hub,
		Tokens:      tokens,
		ViewLimiter: limiter,
	})

	return &testAPI{server: srv, repo: repo, hub: hub, registry: registry, tokens: tokens}
}

func (a *testAPI) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := a.tokens.Generate(models.Identity{UserID: userID, Roles: roles})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid response body %q", method, path, rec.Body.String())
		}
	}
	return rec, env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, env envelope, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("error = %+v, want code %q", env.Error, code)
	}
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("failed to decode data %s: %v", env.Data, err)
	}
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		rec, env := a.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK || !env.Success {
			t.Errorf("GET %s = %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestReadyReportsFailedCheck(t *testing.T) {
	checks := health.NewRegistry()
	checks.Register("redis", health.CheckerFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	srv := NewServer(config.ServerConfig{}, Dependencies{
		Repo:   storage.NewMemoryRepository(nil),
		Tokens: auth.NewTokenManager(testSecret, "", time.Hour),
		Health: checks,
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ready = %d, want 503", rec.Code)
	}
	if names := checks.List(); len(names) != 2 {
		t.Errorf("checks = %v, want redis and store", names)
	}
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
		code   string
	}{
		{"missing token", "/api/v1/me/challenges", "", http.StatusUnauthorized, "auth_required"},
		{"invalid token", "/api/v1/me/challenges", "not-a-token", http.StatusUnauthorized, "invalid_token"},
		{"invalid token on public route", "/api/v1/challenges", "not-a-token", http.StatusUnauthorized, "invalid_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(t, http.MethodGet, tt.path, tt.token, nil)
			expectError(t, rec, env, tt.status, tt.code)
		})
	}

	rec, env := a.do(t, http.MethodGet, "/api/v1/challenges", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous catalog = %d", rec.Code)
	}
	var defs []models.ChallengeDefinition
	decodeData(t, env, &defs)
	if len(defs) != 1 || defs[0].ID != "api" {
		t.Errorf("catalog = %+v", defs)
	}
}

func TestCatalogReloadRequiresAdmin(t *testing.T) {
	a := newTestAPI(t, nil)

	rec, env := a.do(t, http.MethodPost, "/api/v1/catalog/reload", a.token(t, "user-1"), nil)
	expectError(t, rec, env, http.StatusForbidden, "permission_denied")

	// admin passes the role check; no directory is configured
	rec, env = a.do(t, http.MethodPost, "/api/v1/catalog/reload", a.token(t, "admin-1", "admin"), nil)
	expectError(t, rec, env, http.StatusConflict, "catalog_static")
}

func TestGetChallenge(t *testing.T) {
	a := newTestAPI(t, nil)

	rec, env := a.do(t, http.MethodGet, "/api/v1/challenges/api", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var def models.ChallengeDefinition
	decodeData(t, env, &def)
	if def.TotalSteps() != 3 {
		t.Errorf("steps = %d, want 3", def.TotalSteps())
	}

	rec, env = a.do(t, http.MethodGet, "/api/v1/challenges/nope", "", nil)
	expectError(t, rec, env, http.StatusNotFound, "not_found")
}

type progressBody struct {
	ChallengeID          string `json:"challenge_id"`
	CurrentStep          int    `json:"current_step"`
	CompletedSteps       []int  `json:"completed_steps"`
	IsCompleted          bool   `json:"is_completed"`
	CompletionPercentage int    `json:"completion_percentage"`
}

func TestChallengeFlow(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "user-1")

	rec, env := a.do(t, http.MethodPost, "/api/v1/challenges/api/start", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body.String())
	}
	var p progressBody
	decodeData(t, env, &p)
	if p.ChallengeID != "api" || p.CurrentStep != 0 || p.CompletionPercentage != 0 {
		t.Errorf("start progress = %+v", p)
	}

	// starting again is idempotent
	rec, _ = a.do(t, http.MethodPost, "/api/v1/challenges/api/start", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second start = %d", rec.Code)
	}

	rec, env = a.do(t, http.MethodPost, "/api/v1/challenges/api/steps/0/complete", tok, nil)
	expectError(t, rec, env, http.StatusUnprocessableEntity, "submission_required")

	rec, env = a.do(t, http.MethodPut, "/api/v1/challenges/api/steps/0/submission", tok, models.SubmissionRequest{})
	expectError(t, rec, env, http.StatusBadRequest, "validation_error")

	rec, _ = a.do(t, http.MethodPut, "/api/v1/challenges/api/steps/0/submission", tok,
		models.SubmissionRequest{FileName: "main.go", FilePath: "user-1/api/0/main.go"})
	if rec.Code != http.StatusOK {
		t.Fatalf("submission = %d %s", rec.Code, rec.Body.String())
	}

	rec, env = a.do(t, http.MethodPost, "/api/v1/challenges/api/steps/0/complete", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete = %d %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Changed  bool         `json:"changed"`
		Progress progressBody `json:"progress"`
	}
	decodeData(t, env, &res)
	if !res.Changed || res.Progress.CompletionPercentage != 33 || res.Progress.CurrentStep != 1 {
		t.Errorf("complete result = %+v", res)
	}

	rec, env = a.do(t, http.MethodDelete, "/api/v1/challenges/api/steps/7/complete", tok, nil)
	expectError(t, rec, env, http.StatusBadRequest, "validation_error")

	rec, env = a.do(t, http.MethodDelete, "/api/v1/challenges/api/steps/0/complete", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("uncomplete = %d", rec.Code)
	}
	decodeData(t, env, &res)
	if res.Progress.CompletionPercentage != 0 || len(res.Progress.CompletedSteps) != 0 {
		t.Errorf("uncomplete result = %+v", res)
	}

	rec, _ = a.do(t, http.MethodPut, "/api/v1/challenges/api/notes", tok, models.NotesRequest{Notes: "halfway"})
	if rec.Code != http.StatusOK {
		t.Fatalf("notes = %d", rec.Code)
	}

	rec, env = a.do(t, http.MethodGet, "/api/v1/me/challenges", tok, nil)
	var all []progressBody
	decodeData(t, env, &all)
	if rec.Code != http.StatusOK || len(all) != 1 {
		t.Errorf("my challenges = %d %+v", rec.Code, all)
	}

	rec, _ = a.do(t, http.MethodGet, "/api/v1/me/challenges/api", tok, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("my challenge = %d", rec.Code)
	}
}

func TestChallengeErrors(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "user-1")

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"unknown challenge", http.MethodPost, "/api/v1/challenges/nope/start", http.StatusNotFound, "not_found"},
		{"complete before start", http.MethodPost, "/api/v1/challenges/api/steps/0/complete", http.StatusNotFound, "not_started"},
		{"uncomplete before start", http.MethodDelete, "/api/v1/challenges/api/steps/0/complete", http.StatusNotFound, "not_started"},
		{"bad step", http.MethodPost, "/api/v1/challenges/api/steps/abc/complete", http.StatusBadRequest, "validation_error"},
		{"progress before start", http.MethodGet, "/api/v1/me/challenges/api", http.StatusNotFound, "not_started"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(t, tt.method, tt.path, tok, nil)
			expectError(t, rec, env, tt.status, tt.code)
		})
	}
}

func TestProjectFlow(t *testing.T) {
	a := newTestAPI(t, nil)
	owner := a.token(t, "owner")
	fan := a.token(t, "fan")

	rec, env := a.do(t, http.MethodPost, "/api/v1/projects", owner, models.ProjectInput{Status: "live"})
	expectError(t, rec, env, http.StatusBadRequest, "validation_error")

	rec, env = a.do(t, http.MethodPost, "/api/v1/projects", owner, models.ProjectInput{
		Title:       "Todo app",
		TechStack:   []string{"go"},
		Status:      models.ProjectLive,
		ProjectType: models.ProjectTypeWeb,
		IsPublic:    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var project models.PortfolioProject
	decodeData(t, env, &project)
	if project.ID == "" || project.UserID != "owner" || project.CompletedAt == nil {
		t.Fatalf("created project = %+v", project)
	}
	base := "/api/v1/projects/" + project.ID

	var like models.LikeResponse
	rec, env = a.do(t, http.MethodPost, base+"/like", fan, nil)
	decodeData(t, env, &like)
	if rec.Code != http.StatusOK || !like.Liked {
		t.Errorf("first like = %d %+v", rec.Code, like)
	}
	_, env = a.do(t, http.MethodPost, base+"/like", fan, nil)
	decodeData(t, env, &like)
	if like.Liked {
		t.Error("second like should unlike")
	}

	rec, env = a.do(t, http.MethodPost, "/api/v1/projects/missing/like", fan, nil)
	expectError(t, rec, env, http.StatusNotFound, "not_found")

	// only the owner may edit
	rec, env = a.do(t, http.MethodPut, base, fan, models.ProjectInput{
		Title: "Hijacked", Status: models.ProjectDevelopment, ProjectType: models.ProjectTypeWeb,
	})
	expectError(t, rec, env, http.StatusNotFound, "not_found")

	rec, env = a.do(t, http.MethodGet, "/api/v1/projects/public?limit=5", "", nil)
	var public []models.PortfolioProject
	decodeData(t, env, &public)
	if rec.Code != http.StatusOK || len(public) != 1 || public[0].ID != project.ID {
		t.Errorf("public = %d %+v", rec.Code, public)
	}

	rec, env = a.do(t, http.MethodGet, "/api/v1/me/projects", owner, nil)
	var mine []models.PortfolioProject
	decodeData(t, env, &mine)
	if len(mine) != 1 {
		t.Errorf("my projects = %+v", mine)
	}

	rec, env = a.do(t, http.MethodGet, "/api/v1/me/portfolio/stats", owner, nil)
	var stats models.PortfolioStats
	decodeData(t, env, &stats)
	if rec.Code != http.StatusOK || stats.UserID != "owner" || stats.UptimePercentage != 99.9 {
		t.Errorf("stats = %d %+v", rec.Code, stats)
	}

	rec, _ = a.do(t, http.MethodDelete, base, owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec, env = a.do(t, http.MethodDelete, base, owner, nil)
	expectError(t, rec, env, http.StatusNotFound, "not_found")
}

func TestRecordViewIsAnonymous(t *testing.T) {
	a := newTestAPI(t, nil)

	p := &models.PortfolioProject{ID: "p1", UserID: "owner", Title: "x", IsPublic: true}
	if err := a.repo.CreateProject(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	rec, _ := a.do(t, http.MethodPost, "/api/v1/projects/p1/view", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("view = %d", rec.Code)
	}

	// missing projects are swallowed
	rec, _ = a.do(t, http.MethodPost, "/api/v1/projects/missing/view", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("view of missing project = %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := a.repo.GetProject(context.Background(), "p1")
		if err == nil && got.ViewsCount == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("views never recorded: %+v, %v", got, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordViewBySignedInUser(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "viewer")

	p := &models.PortfolioProject{ID: "p1", UserID: "owner", Title: "x", IsPublic: true}
	if err := a.repo.CreateProject(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	rec, _ := a.do(t, http.MethodPost, "/api/v1/projects/p1/view", tok, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("view = %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := a.repo.GetProject(context.Background(), "p1")
		if err == nil && got.ViewsCount == 1 && a.registry.Len() == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("view not counted through the viewer's session: %+v, %v, sessions = %d", got, err, a.registry.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseSession(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "user-1")

	a.do(t, http.MethodGet, "/api/v1/me/challenges", tok, nil)
	if a.registry.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", a.registry.Len())
	}

	rec, env := a.do(t, http.MethodDelete, "/api/v1/me/session", tok, nil)
	var body map[string]bool
	decodeData(t, env, &body)
	if rec.Code != http.StatusOK || !body["released"] {
		t.Errorf("release = %d %v", rec.Code, body)
	}
	if a.registry.Len() != 0 {
		t.Errorf("Len() after release = %d", a.registry.Len())
	}
}
