package api

import (
	"context"

	"github.com/terra-clan/progress-engine/internal/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

// IdentityFromContext extracts the caller identity from context.
// Returns nil for anonymous requests.
func IdentityFromContext(ctx context.Context) *models.Identity {
	identity, ok := ctx.Value(identityContextKey).(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}

// ContextWithIdentity adds the caller identity to context
func ContextWithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
