package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestHubPublishFiltersByTableAndUser(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	var mu sync.Mutex
	var got []Change
	record := func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}

	if _, err := h.Subscribe(ctx, "portfolio_projects", Filter{UserID: "u1"}, record); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	changes := []Change{
		{Table: "portfolio_projects", Type: ChangeInsert, UserID: "u1", RowID: "p1"},
		{Table: "portfolio_projects", Type: ChangeInsert, UserID: "u2", RowID: "p2"},
		{Table: "portfolio_stats", Type: ChangeUpdate, UserID: "u1", RowID: "s1"},
	}
	for _, c := range changes {
		if err := h.Publish(ctx, c); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if len(got) != 1 {
		t.Fatalf("received %d changes, want 1", len(got))
	}
	if got[0].RowID != "p1" {
		t.Errorf("RowID = %q, want p1", got[0].RowID)
	}
	if got[0].At.IsZero() {
		t.Error("expected At to be stamped")
	}
}

func TestHubEmptyFilterMatchesAll(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	count := 0
	h.Subscribe(ctx, "project_likes", Filter{}, func(Change) { count++ })

	h.Publish(ctx, Change{Table: "project_likes", UserID: "a"})
	h.Publish(ctx, Change{Table: "project_likes", UserID: "b"})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	count := 0
	unsub, err := h.Subscribe(ctx, "t", Filter{}, func(Change) { count++ })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if n := h.Subscribers("t"); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	h.Publish(ctx, Change{Table: "t"})
	unsub()
	unsub()
	h.Publish(ctx, Change{Table: "t"})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if n := h.Subscribers("t"); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestHubHandlerMaySubscribe(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	// handlers run outside the hub lock, so re-entrant calls must not deadlock
	h.Subscribe(ctx, "t", Filter{}, func(Change) {
		unsub, err := h.Subscribe(ctx, "other", Filter{}, func(Change) {})
		if err != nil {
			t.Errorf("nested Subscribe() error = %v", err)
			return
		}
		unsub()
	})

	if err := h.Publish(ctx, Change{Table: "t"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestHubClosed(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	h.Close()

	if err := h.Publish(ctx, Change{Table: "t"}); !errors.Is(err, ErrFeedClosed) {
		t.Errorf("Publish() error = %v, want ErrFeedClosed", err)
	}
	if _, err := h.Subscribe(ctx, "t", Filter{}, func(Change) {}); !errors.Is(err, ErrFeedClosed) {
		t.Errorf("Subscribe() error = %v, want ErrFeedClosed", err)
	}
}

func TestHubResyncReachesEverySubscriber(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	got := make(map[string][]Change)
	for _, sub := range []struct {
		table  string
		filter Filter
	}{
		{"user_challenge_progress", Filter{UserID: "u1"}},
		{"portfolio_projects", Filter{UserID: "u2"}},
		{"project_likes", Filter{}},
	} {
		key := sub.table + "/" + sub.filter.UserID
		if _, err := h.Subscribe(ctx, sub.table, sub.filter, func(c Change) {
			got[key] = append(got[key], c)
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	if err := h.Publish(ctx, Resync()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("resync reached %d subscribers, want 3: %v", len(got), got)
	}
	for key, changes := range got {
		if len(changes) != 1 || changes[0].Type != ChangeResync {
			t.Errorf("%s received %+v, want one resync", key, changes)
			continue
		}
		if table := changes[0].Table; table == "" || !strings.HasPrefix(key, table+"/") {
			t.Errorf("%s received resync tagged %q", key, table)
		}
	}
}

func TestHubResyncForOneTable(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	var progress, projects int
	h.Subscribe(ctx, "user_challenge_progress", Filter{UserID: "u1"}, func(Change) { progress++ })
	h.Subscribe(ctx, "portfolio_projects", Filter{UserID: "u1"}, func(Change) { projects++ })

	h.Publish(ctx, Change{Table: "user_challenge_progress", Type: ChangeResync})

	if progress != 1 || projects != 0 {
		t.Errorf("progress = %d, projects = %d, want 1, 0", progress, projects)
	}
}

func TestFilterMatchesResync(t *testing.T) {
	f := Filter{UserID: "u1"}
	if f.Matches(Change{Table: "t", Type: ChangeUpdate}) {
		t.Error("filtered subscription matched a change without user")
	}
	if !f.Matches(Resync()) {
		t.Error("filtered subscription should match a resync")
	}
}
