package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
)

// Session is the pair of trackers bound to one signed-in user
type Session struct {
	UserID     string
	Challenges *ChallengeTracker
	Portfolio  *PortfolioTracker

	ready    chan struct{}
	err      error
	lastUsed time.Time
}

// Close stops both trackers
func (s *Session) Close() {
	s.Challenges.Close()
	s.Portfolio.Close()
}

// Registry owns one Session per user. Sessions are opened on first use and
// torn down explicitly: on Release, idle eviction or Close.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	repo     storage.Repository
	catalog  Catalog
	feed     realtime.Feed
	notifier Notifier
	now      func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(repo storage.Repository, catalog Catalog, feed realtime.Feed, notifier Notifier) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		repo:     repo,
		catalog:  catalog,
		feed:     feed,
		notifier: notifier,
		now:      time.Now,
	}
}

// Get returns the user's session, opening it on first use. Concurrent callers
// for the same user share one open.
func (r *Registry) Get(ctx context.Context, identity models.Identity) (*Session, error) {
	if !identity.IsAuthenticated() {
		return nil, ErrAuthRequired
	}
	userID := identity.UserID

	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		s.lastUsed = r.now()
		r.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		return s, nil
	}

	s := &Session{
		UserID:     userID,
		Challenges: NewChallengeTracker(userID, r.repo, r.catalog, r.feed, r.notifier),
		Portfolio:  NewPortfolioTracker(userID, r.repo, r.feed, r.notifier),
		ready:      make(chan struct{}),
		lastUsed:   r.now(),
	}
	r.sessions[userID] = s
	r.mu.Unlock()

	err := s.Challenges.Open(ctx)
	if err == nil {
		err = s.Portfolio.Open(ctx)
	}
	s.err = err
	close(s.ready)

	if err != nil {
		s.Close()
		r.mu.Lock()
		if r.sessions[userID] == s {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
		slog.Error("failed to open tracker session", "user_id", identity.MaskedUserID(), "error", err)
		return nil, err
	}

	slog.Info("tracker session opened", "user_id", identity.MaskedUserID())
	return s, nil
}

// Release tears down a user's session, e.g. on logout
func (r *Registry) Release(userID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	<-s.ready
	s.Close()
	return true
}

// EvictIdle closes sessions unused for longer than ttl and returns their user ids
func (r *Registry) EvictIdle(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	var idle []*Session
	r.mu.Lock()
	for userID, s := range r.sessions {
		select {
		case <-s.ready:
		default:
			continue // still opening
		}
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, userID)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(idle))
	for _, s := range idle {
		s.Close()
		ids = append(ids, s.UserID)
	}
	return ids
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every session
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		<-s.ready
		s.Close()
	}
	slog.Info("tracker registry closed", "sessions", len(sessions))
}
