package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user's numeric ID
	UserIDKey ContextKey = "user_id"
	// EmailKey is the context key for the authenticated user's email
	EmailKey ContextKey = "email"
	// RolesKey is the context key for the authenticated user's roles
	RolesKey ContextKey = "roles"
)

// WithUser returns a context carrying the authenticated user's identity
func WithUser(ctx context.Context, userID int64, email string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, EmailKey, email)
	return context.WithValue(ctx, RolesKey, roles)
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// ExtractEmail extracts the email from the request context
func ExtractEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}

// ExtractRoles extracts the role list from the request context
func ExtractRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(RolesKey).([]string)
	return roles, ok
}

// HasRole reports whether the context carries the given role
func HasRole(ctx context.Context, role string) bool {
	roles, ok := ExtractRoles(ctx)
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
