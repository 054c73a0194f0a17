package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
)

// Catalog resolves challenge definitions
type Catalog interface {
	Get(id string) *models.ChallengeDefinition
}

// ChallengeTracker keeps one user's challenge progress in sync with the store.
// Every write goes to the store first; the local cache is only ever replaced
// by what the store returns.
type ChallengeTracker struct {
	userID   string
	repo     storage.Repository
	catalog  Catalog
	feed     realtime.Feed
	notifier Notifier

	progress *cache[*models.ChallengeProgress] // by challenge id
	subs     *subscriptionSet
	now      func() time.Time
}

// NewChallengeTracker creates a tracker for userID. An empty userID gives an
// anonymous tracker whose writes fail with ErrAuthRequired.
func NewChallengeTracker(userID string, repo storage.Repository, catalog Catalog, feed realtime.Feed, notifier Notifier) *ChallengeTracker {
	return &ChallengeTracker{
		userID:   userID,
		repo:     repo,
		catalog:  catalog,
		feed:     feed,
		notifier: notifier,
		progress: newCache((*models.ChallengeProgress).Clone),
		subs:     newSubscriptionSet(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UserID returns the tracked user
func (t *ChallengeTracker) UserID() string {
	return t.userID
}

// Open loads the user's progress and subscribes to changes of their rows
func (t *ChallengeTracker) Open(ctx context.Context) error {
	if t.userID == "" {
		return nil
	}

	if err := t.Refresh(ctx); err != nil {
		return err
	}

	if t.feed != nil {
		filter := realtime.Filter{UserID: t.userID}
		if err := t.subs.add(ctx, t.feed, storage.TableChallengeProgress, filter); err != nil {
			return err
		}
		t.subs.start(func(ctx context.Context, table string) {
			if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("failed to refresh challenge progress", "user_id", t.userID, "error", err)
			}
		})
	}

	slog.Debug("challenge tracker opened", "user_id", t.userID, "records", t.progress.len())
	return nil
}

// Close stops change delivery. In-flight writes are not cancelled.
func (t *ChallengeTracker) Close() {
	t.subs.close()
}

// Refresh refetches every progress record. On failure the cache is left as is.
func (t *ChallengeTracker) Refresh(ctx context.Context) error {
	if t.userID == "" {
		return nil
	}

	records, err := t.repo.ListProgress(ctx, t.userID)
	if err != nil {
		return errors.Join(ErrRemoteUnavailable, err)
	}

	items := make(map[string]*models.ChallengeProgress, len(records))
	for _, p := range records {
		items[p.ChallengeID] = p
	}
	t.progress.replace(items)
	return nil
}

// reload refreshes after a successful write. If the refetch fails the written
// row is stored so the cache still reflects the acknowledged write.
func (t *ChallengeTracker) reload(ctx context.Context, written *models.ChallengeProgress) {
	if err := t.Refresh(ctx); err != nil {
		slog.Warn("refresh after write failed", "user_id", t.userID, "error", err)
		if written != nil {
			t.progress.set(written.ChallengeID, written)
		}
	}
}

func (t *ChallengeTracker) requireUser(ctx context.Context) error {
	if t.userID == "" {
		t.notifier.Notify(ctx, authRequiredNotification())
		return ErrAuthRequired
	}
	return nil
}

// Start creates the progress record for a challenge. Starting twice returns the
// existing record.
func (t *ChallengeTracker) Start(ctx context.Context, challengeID string) (*models.ChallengeProgress, error) {
	if err := t.requireUser(ctx); err != nil {
		return nil, err
	}
	if t.catalog.Get(challengeID) == nil {
		return nil, ErrChallengeNotFound
	}

	p := &models.ChallengeProgress{
		UserID:         t.userID,
		ChallengeID:    challengeID,
		CurrentStep:    0,
		CompletedSteps: []int{},
		IsCompleted:    false,
		ProgressData:   models.ProgressData{},
	}

	err := t.repo.CreateProgress(ctx, p)
	if errors.Is(err, storage.ErrConflict) {
		p, err = t.repo.GetProgress(ctx, t.userID, challengeID)
	}
	if err != nil {
		return nil, remoteFailure(ctx, t.notifier, t.userID, "start challenge", err)
	}

	slog.Info("challenge started", "user_id", t.userID, "challenge_id", challengeID)

	t.reload(ctx, p)
	if cached := t.Progress(challengeID); cached != nil {
		return cached, nil
	}
	return p.Clone(), nil
}

// AttachSubmission records the work submitted for a step
func (t *ChallengeTracker) AttachSubmission(ctx context.Context, challengeID string, stepIndex int, meta models.SubmissionMeta) (*models.ChallengeProgress, error) {
	if err := t.requireUser(ctx); err != nil {
		return nil, err
	}
	def := t.catalog.Get(challengeID)
	if def == nil {
		return nil, ErrChallengeNotFound
	}
	if stepIndex < 0 || stepIndex >= def.TotalSteps() {
		return nil, ErrInvalidStep
	}

	current, ok := t.progress.get(challengeID)
	if !ok {
		return nil, ErrNotStarted
	}

	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = t.now()
	}
	data := current.ProgressData.WithSubmission(stepIndex, meta)

	updated, err := t.repo.UpdateProgress(ctx, t.userID, challengeID, models.ProgressPatch{ProgressData: &data})
	if errors.Is(err, storage.ErrNotFound) {
		t.reload(ctx, nil)
		return nil, ErrNotStarted
	}
	if err != nil {
		return nil, remoteFailure(ctx, t.notifier, t.userID, "attach submission", err)
	}

	slog.Info("step submission attached",
		"user_id", t.userID,
		"challenge_id", challengeID,
		"step", stepIndex,
		"file", meta.FileName,
	)

	t.reload(ctx, updated)
	return t.Progress(challengeID), nil
}

// CompleteStep marks a step done. Returns false without writing when the
// challenge was never started.
func (t *ChallengeTracker) CompleteStep(ctx context.Context, challengeID string, stepIndex int) (bool, error) {
	if err := t.requireUser(ctx); err != nil {
		return false, err
	}

	current, ok := t.progress.get(challengeID)
	if !ok {
		return false, nil
	}

	def := t.catalog.Get(challengeID)
	if def == nil {
		return false, ErrChallengeNotFound
	}
	total := def.TotalSteps()
	if stepIndex < 0 || stepIndex >= total {
		return false, ErrInvalidStep
	}

	if !current.ProgressData.HasSubmission(stepIndex) {
		t.notifier.Notify(ctx, submissionRequiredNotification(t.userID, stepIndex))
		return false, ErrSubmissionRequired
	}

	completed := models.NormalizeSteps(append(stepsWithin(current.CompletedSteps, total), stepIndex))
	isCompleted := len(completed) == total
	currentStep := min(stepIndex+1, total)
	if isCompleted {
		currentStep = total
	}

	// completed_at is stamped once, on the transition into completion
	var completedAt *time.Time
	if isCompleted {
		if current.IsCompleted && current.CompletedAt != nil {
			completedAt = current.CompletedAt
		} else {
			now := t.now()
			completedAt = &now
		}
	}

	updated, err := t.repo.UpdateProgress(ctx, t.userID, challengeID, models.ProgressPatch{
		CurrentStep:    &currentStep,
		CompletedSteps: completed,
		IsCompleted:    &isCompleted,
		SetCompletedAt: true,
		CompletedAt:    completedAt,
	})
	if errors.Is(err, storage.ErrNotFound) {
		t.reload(ctx, nil)
		return false, nil
	}
	if err != nil {
		return false, remoteFailure(ctx, t.notifier, t.userID, "complete step", err)
	}

	t.reload(ctx, updated)

	if isCompleted && !current.IsCompleted {
		slog.Info("challenge completed", "user_id", t.userID, "challenge_id", challengeID, "xp", def.XPReward)
		t.notifier.Notify(ctx, challengeCompletedNotification(t.userID, def))
	} else {
		t.notifier.Notify(ctx, stepCompletedNotification(t.userID, stepIndex))
	}
	return true, nil
}

// UncompleteStep removes a step from the completed set and reopens the
// challenge. A step that was not completed is left alone and reported as a
// success without a write.
func (t *ChallengeTracker) UncompleteStep(ctx context.Context, challengeID string, stepIndex int) (bool, error) {
	if err := t.requireUser(ctx); err != nil {
		return false, err
	}

	current, ok := t.progress.get(challengeID)
	if !ok {
		return false, nil
	}

	def := t.catalog.Get(challengeID)
	if def == nil {
		return false, ErrChallengeNotFound
	}
	total := def.TotalSteps()
	if stepIndex < 0 || stepIndex >= total {
		return false, ErrInvalidStep
	}

	// Nothing to undo
	if !current.HasCompleted(stepIndex) {
		return true, nil
	}

	completed := make([]int, 0, len(current.CompletedSteps))
	for _, s := range stepsWithin(current.CompletedSteps, total) {
		if s != stepIndex {
			completed = append(completed, s)
		}
	}
	currentStep := max(0, min(stepIndex, current.CurrentStep))
	isCompleted := len(completed) == total

	var completedAt *time.Time
	if isCompleted {
		completedAt = current.CompletedAt
	}

	updated, err := t.repo.UpdateProgress(ctx, t.userID, challengeID, models.ProgressPatch{
		CurrentStep:    &currentStep,
		CompletedSteps: completed,
		IsCompleted:    &isCompleted,
		SetCompletedAt: true,
		CompletedAt:    completedAt,
	})
	if errors.Is(err, storage.ErrNotFound) {
		t.reload(ctx, nil)
		return false, nil
	}
	if err != nil {
		return false, remoteFailure(ctx, t.notifier, t.userID, "uncomplete step", err)
	}

	t.reload(ctx, updated)
	return true, nil
}

// UpdateNotes overwrites the free-form notes of a progress record
func (t *ChallengeTracker) UpdateNotes(ctx context.Context, challengeID, notes string) (bool, error) {
	if err := t.requireUser(ctx); err != nil {
		return false, err
	}

	if _, ok := t.progress.get(challengeID); !ok {
		return false, nil
	}

	updated, err := t.repo.UpdateProgress(ctx, t.userID, challengeID, models.ProgressPatch{Notes: &notes})
	if errors.Is(err, storage.ErrNotFound) {
		t.reload(ctx, nil)
		return false, nil
	}
	if err != nil {
		return false, remoteFailure(ctx, t.notifier, t.userID, "update notes", err)
	}

	t.reload(ctx, updated)
	return true, nil
}

// Progress returns a copy of the cached record, nil when not started
func (t *ChallengeTracker) Progress(challengeID string) *models.ChallengeProgress {
	p, ok := t.progress.get(challengeID)
	if !ok {
		return nil
	}
	return p
}

// All returns copies of every cached record, oldest first
func (t *ChallengeTracker) All() []*models.ChallengeProgress {
	all := t.progress.values()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.Before(all[j].StartedAt)
		}
		return all[i].ChallengeID < all[j].ChallengeID
	})
	return all
}

// CompletionPercentage is the rounded share of completed steps in [0,100].
// 0 when the challenge was not started or has no steps.
func (t *ChallengeTracker) CompletionPercentage(challengeID string) int {
	p, ok := t.progress.get(challengeID)
	if !ok {
		return 0
	}
	return t.percentOf(p)
}

// View returns a record with its completion percentage, nil when not started
func (t *ChallengeTracker) View(challengeID string) *models.ChallengeProgressView {
	p := t.Progress(challengeID)
	if p == nil {
		return nil
	}
	return &models.ChallengeProgressView{
		ChallengeProgress:    p,
		CompletionPercentage: t.percentOf(p),
	}
}

// Views returns every record with its completion percentage
func (t *ChallengeTracker) Views() []models.ChallengeProgressView {
	all := t.All()
	views := make([]models.ChallengeProgressView, 0, len(all))
	for _, p := range all {
		views = append(views, models.ChallengeProgressView{
			ChallengeProgress:    p,
			CompletionPercentage: t.percentOf(p),
		})
	}
	return views
}

func (t *ChallengeTracker) totalSteps(challengeID string) int {
	return t.catalog.Get(challengeID).TotalSteps()
}

// percentOf counts only steps that exist in the current definition
func (t *ChallengeTracker) percentOf(p *models.ChallengeProgress) int {
	total := t.totalSteps(p.ChallengeID)
	return percentage(len(stepsWithin(p.CompletedSteps, total)), total)
}

// stepsWithin drops step indices outside [0,total), left behind when a
// catalog reload shortens a challenge
func stepsWithin(steps []int, total int) []int {
	out := make([]int, 0, len(steps))
	for _, s := range steps {
		if s >= 0 && s < total {
			out = append(out, s)
		}
	}
	return out
}

func percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(done) / float64(total)))
	return clampPercent(pct)
}

func clampPercent(pct int) int {
	return max(0, min(pct, 100))
}
