package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
)

func TestKeyRingResolve(t *testing.T) {
	kr := NewKeyRing([]config.APIKeyConfig{
		{Key: "a", Caller: "analyst", TenantID: "acme", Permissions: []string{"read", "export"}},
		{Key: "ops", TenantID: AnyTenant, Permissions: []string{"admin"}},
		{Caller: "keyless", TenantID: "acme"},
	})

	tc, err := kr.Resolve("a", " acme ")
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, "analyst", tc.Caller)
	assert.True(t, tc.Can(models.PermExport))
	assert.False(t, tc.Can(models.PermSync))

	tc, err = kr.Resolve("ops", "globex")
	require.NoError(t, err)
	assert.Equal(t, "api-key", tc.Caller)
	assert.True(t, tc.Can(models.PermSync))

	_, err = kr.Resolve("a", "globex")
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))
	_, err = kr.Resolve("a", "")
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))
	_, err = kr.Resolve("", "acme")
	assert.Equal(t, models.KindAuthFailed, models.KindOf(err))
}

func TestTenantAuthSetsContext(t *testing.T) {
	kr := NewKeyRing([]config.APIKeyConfig{{Key: "a", TenantID: "acme", Permissions: []string{"read"}}})
	var got models.TenantContext
	h := TenantAuth(kr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = Tenant(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer a")
	req.Header.Set(HeaderTenant, "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", got.TenantID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic a")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// preflight passes through untouched
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, _, err := l.CheckRateLimit(ctx, "c1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, remaining, reset, err := l.CheckRateLimit(ctx, "c1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.True(t, reset.After(time.Now()))

	ok, _, _, _ = l.CheckRateLimit(ctx, "c2", 3, time.Minute)
	assert.True(t, ok)

	ok, _, _, _ = l.CheckRateLimit(ctx, "c3", 0, time.Minute)
	assert.True(t, ok)
}
