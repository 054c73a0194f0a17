package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/terra-clan/progress-engine/internal/models"
)

func validInput(title string) models.ProjectInput {
	return models.ProjectInput{
		Title:                title,
		Description:          "A small service",
		TechStack:            []string{"go", "postgresql"},
		GithubURL:            "https://github.com/example/" + title,
		Status:               models.ProjectDevelopment,
		ProjectType:          models.ProjectTypeAPI,
		LinesOfCode:          1200,
		CompletionPercentage: 40,
		IsPublic:             true,
	}
}

func TestOpenInitializesStats(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")

	stats := tr.Stats()
	if stats == nil {
		t.Fatal("Stats() = nil after Open")
	}
	if stats.UptimePercentage != 99.9 || stats.TotalProjects != 0 {
		t.Errorf("unexpected default stats: %+v", stats)
	}

	// a second device opening must not fail on the existing row
	again := env.portfolio(t, "user-1")
	if again.Stats() == nil || again.Stats().ID != stats.ID {
		t.Errorf("second Open() stats = %+v, want the existing row", again.Stats())
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(*models.ProjectInput)
	}{
		{"empty title", func(in *models.ProjectInput) { in.Title = "" }},
		{"bad status", func(in *models.ProjectInput) { in.Status = "paused" }},
		{"bad type", func(in *models.ProjectInput) { in.ProjectType = "game" }},
		{"negative loc", func(in *models.ProjectInput) { in.LinesOfCode = -1 }},
		{"percentage over 100", func(in *models.ProjectInput) { in.CompletionPercentage = 101 }},
		{"bad url", func(in *models.ProjectInput) { in.DemoURL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput("svc")
			tt.modify(&in)
			if _, err := tr.CreateProject(ctx, in); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("CreateProject() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if len(tr.Projects()) != 0 {
		t.Errorf("invalid input created %d projects", len(tr.Projects()))
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")
	ctx := context.Background()

	p, err := tr.CreateProject(ctx, validInput("svc"))
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if p.ID == "" || p.UserID != "user-1" || p.CompletedAt != nil {
		t.Errorf("unexpected project: %+v", p)
	}
	if got := tr.CompletionPercentage(p.ID); got != 40 {
		t.Errorf("CompletionPercentage() = %d, want 40", got)
	}

	in := validInput("svc")
	in.Status = models.ProjectCompleted
	in.CompletionPercentage = 100
	updated, err := tr.UpdateProject(ctx, p.ID, in)
	if err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("completing a project should stamp CompletedAt")
	}

	in.Status = models.ProjectDevelopment
	reopened, _ := tr.UpdateProject(ctx, p.ID, in)
	if reopened.CompletedAt != nil {
		t.Error("reopening a project should clear CompletedAt")
	}

	if err := tr.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if tr.Project(p.ID) != nil {
		t.Error("deleted project still cached")
	}
	if err := tr.DeleteProject(ctx, p.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("second DeleteProject() error = %v, want ErrProjectNotFound", err)
	}
	if got := tr.CompletionPercentage(p.ID); got != 0 {
		t.Errorf("CompletionPercentage() of unknown project = %d, want 0", got)
	}
}

func TestProjectWritesScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.portfolio(t, "owner")
	intruder := env.portfolio(t, "intruder")
	ctx := context.Background()

	p, _ := owner.CreateProject(ctx, validInput("svc"))

	if _, err := intruder.UpdateProject(ctx, p.ID, validInput("mine now")); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("UpdateProject() by intruder error = %v, want ErrProjectNotFound", err)
	}
	if err := intruder.DeleteProject(ctx, p.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("DeleteProject() by intruder error = %v, want ErrProjectNotFound", err)
	}
	if got := owner.Project(p.ID); got == nil || got.Title != "svc" {
		t.Errorf("owner's project changed: %+v", got)
	}
	if len(intruder.Projects()) != 0 {
		t.Error("intruder sees the owner's projects")
	}
}

func TestConcurrentLikes(t *testing.T) {
	env := newTestEnv(t)
	owner := env.portfolio(t, "owner")
	alice := env.portfolio(t, "alice")
	bob := env.portfolio(t, "bob")
	ctx := context.Background()

	p, _ := owner.CreateProject(ctx, validInput("svc"))

	var wg sync.WaitGroup
	for _, tr := range []*PortfolioTracker{alice, bob} {
		wg.Add(1)
		go func(tr *PortfolioTracker) {
			defer wg.Done()
			liked, err := tr.ToggleLike(ctx, p.ID)
			if err != nil || !liked {
				t.Errorf("ToggleLike() = %v, %v", liked, err)
			}
		}(tr)
	}
	wg.Wait()

	stored, _ := env.repo.GetProject(ctx, p.ID)
	if stored.LikesCount != 2 {
		t.Errorf("likes_count = %d, want 2", stored.LikesCount)
	}
	if !alice.Liked(p.ID) || !bob.Liked(p.ID) {
		t.Error("each liker should see their like")
	}
	waitFor(t, "owner to see both likes", func() bool {
		got := owner.Project(p.ID)
		return got != nil && got.LikesCount == 2
	})

	liked, err := alice.ToggleLike(ctx, p.ID)
	if err != nil || liked {
		t.Fatalf("second ToggleLike() = %v, %v, want false", liked, err)
	}
	if alice.Liked(p.ID) || len(alice.LikedProjects()) != 0 {
		t.Error("unlike should clear the liked set")
	}
	stored, _ = env.repo.GetProject(ctx, p.ID)
	if stored.LikesCount != 1 {
		t.Errorf("likes_count = %d, want 1", stored.LikesCount)
	}
}

func TestToggleLikeErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.portfolio(t, "alice")
	anon := env.portfolio(t, "")
	ctx := context.Background()

	if _, err := alice.ToggleLike(ctx, "missing"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("ToggleLike() error = %v, want ErrProjectNotFound", err)
	}
	if _, err := anon.ToggleLike(ctx, "missing"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("anonymous ToggleLike() error = %v, want ErrAuthRequired", err)
	}

	env.repo.failWrites.Store(true)
	if _, err := alice.ToggleLike(ctx, "missing"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("ToggleLike() error = %v, want ErrRemoteUnavailable", err)
	}
	if len(alice.LikedProjects()) != 0 {
		t.Error("failed toggle changed the liked set")
	}
}

func TestUpdateNeverTouchesCounters(t *testing.T) {
	env := newTestEnv(t)
	owner := env.portfolio(t, "owner")
	fan := env.portfolio(t, "fan")
	ctx := context.Background()

	p, _ := owner.CreateProject(ctx, validInput("svc"))
	fan.ToggleLike(ctx, p.ID)
	fan.IncrementView(ctx, p.ID, models.ViewInfo{IP: "10.0.0.1"})
	RecordView(ctx, env.repo, p.ID, models.ViewInfo{})

	updated, err := owner.UpdateProject(ctx, p.ID, validInput("renamed"))
	if err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	if updated.LikesCount != 1 || updated.ViewsCount != 2 {
		t.Errorf("counters = %d likes, %d views, want 1, 2", updated.LikesCount, updated.ViewsCount)
	}
}

func TestIncrementViewSwallowsErrors(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")
	ctx := context.Background()

	// neither a missing project nor a store failure reaches the caller
	tr.IncrementView(ctx, "missing", models.ViewInfo{})
	env.repo.failWrites.Store(true)
	tr.IncrementView(ctx, "missing", models.ViewInfo{})
	anon := NewPortfolioTracker("", env.repo, env.hub, env.notes)
	anon.IncrementView(ctx, "missing", models.ViewInfo{IP: "127.0.0.1"})
}

func TestPublicProjectsDefaultLimit(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")
	ctx := context.Background()

	for i := 0; i < DefaultPublicLimit+5; i++ {
		if _, err := tr.CreateProject(ctx, validInput(fmt.Sprintf("svc-%d", i))); err != nil {
			t.Fatalf("CreateProject() error = %v", err)
		}
	}
	private := validInput("hidden")
	private.IsPublic = false
	tr.CreateProject(ctx, private)

	got, err := tr.PublicProjects(ctx, 0)
	if err != nil {
		t.Fatalf("PublicProjects() error = %v", err)
	}
	if len(got) != DefaultPublicLimit {
		t.Errorf("PublicProjects() returned %d, want %d", len(got), DefaultPublicLimit)
	}

	got, _ = ListPublicProjects(ctx, env.repo, 5)
	if len(got) != 5 {
		t.Errorf("ListPublicProjects(5) returned %d", len(got))
	}
	for _, p := range got {
		if !p.IsPublic {
			t.Errorf("private project %s listed", p.ID)
		}
	}
}

func TestCreateProjectRemoteFailure(t *testing.T) {
	env := newTestEnv(t)
	tr := env.portfolio(t, "user-1")

	env.repo.failWrites.Store(true)
	if _, err := tr.CreateProject(context.Background(), validInput("svc")); !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("CreateProject() error = %v, want ErrRemoteUnavailable", err)
	}
	if len(tr.Projects()) != 0 {
		t.Error("failed create touched the cache")
	}
}

func TestPortfolioRefetchOnChange(t *testing.T) {
	env := newTestEnv(t)
	laptop := env.portfolio(t, "user-1")
	phone := env.portfolio(t, "user-1")
	ctx := context.Background()

	p, _ := laptop.CreateProject(ctx, validInput("svc"))
	waitFor(t, "phone to see the new project", func() bool {
		return phone.Project(p.ID) != nil
	})

	laptop.DeleteProject(ctx, p.ID)
	waitFor(t, "phone to drop the deleted project", func() bool {
		return phone.Project(p.ID) == nil
	})
}
