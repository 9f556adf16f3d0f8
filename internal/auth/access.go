package auth

import (
	"context"
	"errors"
	"fmt"
)

// Scopes checked by the health API. Write access implies read access.
const (
	ScopeHealthWrite = "health:write"
	ScopeHealthRead  = "health:read"
)

// ErrScopeRequired is returned by Authorize when the caller lacks the scope.
var ErrScopeRequired = errors.New("scope required")

type contextKey struct{}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Authorize returns the caller's claims when they grant scope.
func Authorize(ctx context.Context, scope string) (*Claims, error) {
	claims, ok := FromContext(ctx)
	if !ok {
		return nil, ErrMissingToken
	}
	if claims.HasScope(scope) || (scope == ScopeHealthRead && claims.HasScope(ScopeHealthWrite)) {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrScopeRequired, scope)
}
