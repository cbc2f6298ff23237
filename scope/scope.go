// Package scope carries the tenant identity through a context. The admin
// API layer resolves the tenant (from auth, a header, or a path prefix) and
// stamps it on the request context; services read it back with Tenant.
package scope

import "context"

type tenantKey struct{}

// WithTenant returns a context carrying the tenant ID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant ID carried by the context, or "" if none is set.
func Tenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}
