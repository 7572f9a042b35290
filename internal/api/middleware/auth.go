package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"tiace/internal/config"
	"tiace/internal/domain/models"
)

// HeaderTenant carries the tenant a request is scoped to
const HeaderTenant = "X-Tenant-ID"

// AnyTenant in an API key entry lets the key act on every tenant
const AnyTenant = "*"

type grant struct {
	caller string
	tenant string
	perms  []models.Permission
}

// KeyRing maps bearer API keys onto callers and their permissions
type KeyRing struct {
	grants map[string]grant
}

// NewKeyRing builds a key ring from configuration; entries without a key are ignored
func NewKeyRing(keys []config.APIKeyConfig) *KeyRing {
	kr := &KeyRing{grants: make(map[string]grant, len(keys))}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		perms := make([]models.Permission, 0, len(k.Permissions))
		for _, p := range k.Permissions {
			perms = append(perms, models.ParsePermissions(p)...)
		}
		caller := k.Caller
		if caller == "" {
			caller = "api-key"
		}
		kr.grants[k.Key] = grant{caller: caller, tenant: k.TenantID, perms: perms}
	}
	return kr
}

// Resolve returns the tenant context of key acting on tenantID
func (kr *KeyRing) Resolve(key, tenantID string) (models.TenantContext, error) {
	g, ok := kr.grants[key]
	if !ok {
		return models.TenantContext{}, models.Errorf(models.KindAuthFailed, "auth", "unknown API key")
	}
	t := models.NewTenantContext(tenantID, g.caller, g.perms...)
	if err := t.Validate(); err != nil {
		return models.TenantContext{}, err
	}
	if g.tenant != AnyTenant && g.tenant != t.TenantID {
		return models.TenantContext{}, models.Errorf(models.KindPermissionDenied, "auth", "caller %q has no access to tenant %s", g.caller, t.TenantID)
	}
	return t, nil
}

// TenantAuth resolves the bearer API key and the X-Tenant-ID header into a
// TenantContext stored in the request context
func TenantAuth(kr *KeyRing) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflight
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				deny(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				deny(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			t, err := kr.Resolve(parts[1], r.Header.Get(HeaderTenant))
			if err != nil {
				status := http.StatusForbidden
				if models.KindOf(err) == models.KindAuthFailed {
					status = http.StatusUnauthorized
				}
				deny(w, status, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(models.WithTenant(r.Context(), t)))
		})
	}
}

// Tenant returns the tenant context set by TenantAuth
func Tenant(ctx context.Context) (models.TenantContext, bool) {
	return models.TenantFrom(ctx)
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
