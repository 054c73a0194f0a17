package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
)

var errStoreDown = errors.New("connection refused")

type staticCatalog map[string]*models.ChallengeDefinition

func (c staticCatalog) Get(id string) *models.ChallengeDefinition {
	return c[id]
}

func testCatalog() staticCatalog {
	return staticCatalog{
		"api": {
			ID:       "api",
			Title:    "Build an API",
			XPReward: 300,
			IsActive: true,
			Steps:    []models.Step{{Title: "model"}, {Title: "handlers"}, {Title: "tests"}},
		},
		"empty": {
			ID:       "empty",
			Title:    "No steps",
			IsActive: true,
		},
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, note)
}

func (n *recordingNotifier) last() (models.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.items) == 0 {
		return models.Notification{}, false
	}
	return n.items[len(n.items)-1], true
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

// flakyRepo fails writes and reads on demand
type flakyRepo struct {
	storage.Repository
	failWrites atomic.Bool
	failReads  atomic.Bool
}

func (f *flakyRepo) CreateProgress(ctx context.Context, p *models.ChallengeProgress) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.Repository.CreateProgress(ctx, p)
}

func (f *flakyRepo) UpdateProgress(ctx context.Context, userID, challengeID string, patch models.ProgressPatch) (*models.ChallengeProgress, error) {
	if f.failWrites.Load() {
		return nil, errStoreDown
	}
	return f.Repository.UpdateProgress(ctx, userID, challengeID, patch)
}

func (f *flakyRepo) ListProgress(ctx context.Context, userID string) ([]*models.ChallengeProgress, error) {
	if f.failReads.Load() {
		return nil, errStoreDown
	}
	return f.Repository.ListProgress(ctx, userID)
}

func (f *flakyRepo) CreateProject(ctx context.Context, p *models.PortfolioProject) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.Repository.CreateProject(ctx, p)
}

func (f *flakyRepo) ToggleProjectLike(ctx context.Context, projectID, userID string) (bool, error) {
	if f.failWrites.Load() {
		return false, errStoreDown
	}
	return f.Repository.ToggleProjectLike(ctx, projectID, userID)
}

func (f *flakyRepo) IncrementProjectViews(ctx context.Context, projectID string, view models.ViewInfo) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.Repository.IncrementProjectViews(ctx, projectID, view)
}

type testEnv struct {
	hub     *realtime.Hub
	repo    *flakyRepo
	catalog staticCatalog
	notes   *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := realtime.NewHub()
	t.Cleanup(func() { hub.Close() })
	return &testEnv{
		hub:     hub,
		repo:    &flakyRepo{Repository: storage.NewMemoryRepository(hub)},
		catalog: testCatalog(),
		notes:   &recordingNotifier{},
	}
}

func (e *testEnv) challenges(t *testing.T, userID string) *ChallengeTracker {
	t.Helper()
	tr := NewChallengeTracker(userID, e.repo, e.catalog, e.hub, e.notes)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func (e *testEnv) portfolio(t *testing.T, userID string) *PortfolioTracker {
	t.Helper()
	tr := NewPortfolioTracker(userID, e.repo, e.hub, e.notes)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

// steppingClock returns a clock that advances one minute per call
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitStep(t *testing.T, tr *ChallengeTracker, challengeID string, step int) {
	t.Helper()
	_, err := tr.AttachSubmission(context.Background(), challengeID, step, models.SubmissionMeta{
		FileName: "solution.zip",
		FilePath: "uploads/solution.zip",
	})
	if err != nil {
		t.Fatalf("AttachSubmission(%d) error = %v", step, err)
	}
}

func startChallenge(t *testing.T, tr *ChallengeTracker, challengeID string) {
	t.Helper()
	if _, err := tr.Start(context.Background(), challengeID); err != nil {
		t.Fatalf("Start(%s) error = %v", challengeID, err)
	}
}

// checkInvariants asserts the completion invariants of a progress record
func checkInvariants(t *testing.T, p *models.ChallengeProgress, total int) {
	t.Helper()
	if p.IsCompleted != (len(p.CompletedSteps) == total) {
		t.Errorf("IsCompleted = %v with %d/%d steps", p.IsCompleted, len(p.CompletedSteps), total)
	}
	if (p.CompletedAt != nil) != p.IsCompleted {
		t.Errorf("CompletedAt = %v with IsCompleted = %v", p.CompletedAt, p.IsCompleted)
	}
	for i, s := range p.CompletedSteps {
		if i > 0 && p.CompletedSteps[i-1] >= s {
			t.Errorf("CompletedSteps not sorted and unique: %v", p.CompletedSteps)
		}
		if !p.ProgressData.HasSubmission(s) {
			t.Errorf("step %d completed without submission", s)
		}
	}
}
