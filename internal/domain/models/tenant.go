package models

import (
	"context"
	"errors"
	"strings"
)

// Permission is an effective right of the caller inside a tenant
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermSync   Permission = "sync"
	PermExport Permission = "export"
	PermAdmin  Permission = "admin"
)

// AllPermissions grants everything; used by operators on the CLI
var AllPermissions = []Permission{PermRead, PermWrite, PermSync, PermExport, PermAdmin}

// TenantContext scopes every storage and query operation
type TenantContext struct {
	TenantID    string       `json:"tenant_id"`
	Caller      string       `json:"caller"`
	Permissions []Permission `json:"permissions"`
}

var errNoTenant = errors.New("tenant id is required")

// NewTenantContext builds a context, trimming the tenant id
func NewTenantContext(tenantID, caller string, perms ...Permission) TenantContext {
	return TenantContext{
		TenantID:    strings.TrimSpace(tenantID),
		Caller:      caller,
		Permissions: perms,
	}
}

// ParsePermissions parses a comma separated list
func ParsePermissions(s string) []Permission {
	var out []Permission
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, Permission(p))
		}
	}
	return out
}

// Validate rejects anonymous or unscoped contexts
func (t TenantContext) Validate() error {
	if t.TenantID == "" {
		return NewError(KindPermissionDenied, "tenant", errNoTenant)
	}
	return nil
}

// Can reports whether the caller holds p; admin implies every permission
func (t TenantContext) Can(p Permission) bool {
	for _, have := range t.Permissions {
		if have == p || have == PermAdmin {
			return true
		}
	}
	return false
}

// Require validates the context and checks p
func (t TenantContext) Require(p Permission) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Can(p) {
		return Errorf(KindPermissionDenied, "tenant", "caller %q lacks %s on tenant %s", t.Caller, p, t.TenantID)
	}
	return nil
}

// Owns reports whether a record owned by tenantID is visible to t
func (t TenantContext) Owns(tenantID string) bool {
	return t.TenantID != "" && t.TenantID == tenantID
}

type tenantKey struct{}

// WithTenant stores the tenant context in ctx
func WithTenant(ctx context.Context, t TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// TenantFrom extracts the tenant context from ctx
func TenantFrom(ctx context.Context) (TenantContext, bool) {
	t, ok := ctx.Value(tenantKey{}).(TenantContext)
	return t, ok
}
