// Package auth carries the caller identity from bearer tokens into request
// contexts and answers permission questions for the API layer.
package auth

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// UserContext is the authenticated caller.
type UserContext struct {
	UserID string
	Role   string
	Email  string
}

type userContextKey struct{}

// WithUser returns a copy of ctx carrying uc.
func WithUser(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, uc)
}

// GetUserContext returns the caller stored in ctx, or an UNAUTHORIZED error.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(userContextKey{}).(*UserContext)
	if !ok || uc == nil || uc.UserID == "" {
		return nil, errors.Unauthorized("no authenticated user")
	}
	return uc, nil
}

// UserID returns the caller's ID, or "" when there is none.
func UserID(ctx context.Context) string {
	if uc, err := GetUserContext(ctx); err == nil {
		return uc.UserID
	}
	return ""
}
