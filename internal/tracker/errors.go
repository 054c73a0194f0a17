package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAuthRequired is returned when a mutating operation runs without a user
	ErrAuthRequired = errors.New("authentication required")
	// ErrSubmissionRequired is returned when completing a step that has no submission
	ErrSubmissionRequired = errors.New("step submission required")
	// ErrRemoteUnavailable marks failures talking to the store. Joined with the cause.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	ErrChallengeNotFound = errors.New("challenge not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrNotStarted        = errors.New("challenge not started")
	ErrInvalidStep       = errors.New("invalid step index")
	ErrInvalidInput      = errors.New("invalid input")
)

// remoteFailure logs a store failure, tells the user to retry and returns an
// error matching both ErrRemoteUnavailable and the cause
func remoteFailure(ctx context.Context, n Notifier, userID, op string, err error) error {
	slog.Error("remote operation failed", "op", op, "user_id", userID, "error", err)
	n.Notify(ctx, retryNotification(userID))
	return errors.Join(ErrRemoteUnavailable, fmt.Errorf("failed to %s: %w", op, err))
}
