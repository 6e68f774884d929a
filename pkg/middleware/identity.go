// Package middleware provides context helpers shared by the HTTP layer and
// embedders of pkg/server.
package middleware

import (
	"context"

	"github.com/querygate/querygate/pkg/models"
)

type contextKey string

const principalKey contextKey = "principal"

// SetPrincipal stores the verified caller in the context.
func SetPrincipal(ctx context.Context, p *models.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the caller stored by SetPrincipal, or nil.
func GetPrincipal(ctx context.Context) *models.Principal {
	if v, ok := ctx.Value(principalKey).(*models.Principal); ok {
		return v
	}
	return nil
}

// PrincipalID returns the caller's ID, or "anonymous" when none is set.
func PrincipalID(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil && p.ID != "" {
		return p.ID
	}
	return "anonymous"
}
