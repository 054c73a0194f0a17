package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/terra-clan/progress-engine/internal/models"
)

// Notifier delivers user-visible notifications
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n models.Notification)

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n models.Notification) {
	f(ctx, n)
}

// Broadcaster logs every notification and forwards it to the listeners
// registered for the target user (one per open realtime socket)
type Broadcaster struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]func(models.Notification)
}

// NewBroadcaster creates a broadcaster with no listeners
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[string]map[uint64]func(models.Notification)),
	}
}

// Notify logs n and hands it to the user's listeners
func (b *Broadcaster) Notify(ctx context.Context, n models.Notification) {
	slog.Info("notification",
		"user_id", n.UserID,
		"kind", n.Kind,
		"title", n.Title,
		"xp", n.XP,
	)

	b.mu.RLock()
	targets := make([]func(models.Notification), 0, len(b.listeners[n.UserID]))
	for _, fn := range b.listeners[n.UserID] {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(n)
	}
}

// Listen registers fn for a user's notifications and returns its removal func
func (b *Broadcaster) Listen(userID string, fn func(models.Notification)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.listeners[userID] == nil {
		b.listeners[userID] = make(map[uint64]func(models.Notification))
	}
	b.listeners[userID][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[userID], id)
			if len(b.listeners[userID]) == 0 {
				delete(b.listeners, userID)
			}
		})
	}
}

func authRequiredNotification() models.Notification {
	return models.Notification{
		Kind:    models.NotifyError,
		Title:   "Sign in required",
		Message: "Please sign in to save your progress.",
	}
}

func submissionRequiredNotification(userID string, step int) models.Notification {
	return models.Notification{
		UserID:  userID,
		Kind:    models.NotifyError,
		Title:   "Submission required",
		Message: fmt.Sprintf("Attach your work for step %d before marking it complete.", step+1),
	}
}

func stepCompletedNotification(userID string, step int) models.Notification {
	return models.Notification{
		UserID:  userID,
		Kind:    models.NotifySuccess,
		Title:   "Step completed",
		Message: fmt.Sprintf("Step %d is done. Keep going!", step+1),
	}
}

func challengeCompletedNotification(userID string, def *models.ChallengeDefinition) models.Notification {
	return models.Notification{
		UserID:  userID,
		Kind:    models.NotifySuccess,
		Title:   "Challenge completed!",
		Message: fmt.Sprintf("You finished %q and earned %d XP.", def.Title, def.XPReward),
		XP:      def.XPReward,
	}
}

func projectNotification(userID, title, message string) models.Notification {
	return models.Notification{
		UserID:  userID,
		Kind:    models.NotifySuccess,
		Title:   title,
		Message: message,
	}
}

func retryNotification(userID string) models.Notification {
	return models.Notification{
		UserID:  userID,
		Kind:    models.NotifyError,
		Title:   "Something went wrong",
		Message: "Please try again in a moment.",
	}
}
