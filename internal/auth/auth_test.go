package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator() *Authenticator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuthenticator("test-secret", logger)
}

func TestIssueAndParse(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.IssueToken("u1", "tenant-a", models.RoleCashier)
	require.NoError(t, err)

	claims, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, models.RoleCashier, claims.Role)
}

func TestParseRejectsBadTokens(t *testing.T) {
	a := newTestAuthenticator()
	token, err := a.IssueToken("u1", "tenant-a", models.RoleAdmin)
	require.NoError(t, err)

	other := NewAuthenticator("other-secret", a.logger)
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	a.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Minute) }
	_, err = a.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired token must be rejected")

	_, err = a.IssueToken("u1", "", models.RoleAdmin)
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestMiddleware(t *testing.T) {
	a := newTestAuthenticator()
	token, _ := a.IssueToken("u1", "tenant-a", models.RoleCashier)

	var seenTenant string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant = TenantFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		url    string
		status int
		tenant string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, "/orders", http.StatusNoContent, "tenant-a"},
		{"query token", func(r *http.Request) {}, "/ws?token=" + token, http.StatusNoContent, "tenant-a"},
		{"missing", func(r *http.Request) {}, "/orders", http.StatusUnauthorized, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, "/orders", http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, "/orders", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenTenant = ""
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.tenant, seenTenant)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, CodeUnauthorized, errorCode(t, rec))
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	a := newTestAuthenticator()
	cashier, _ := a.IssueToken("u1", "tenant-a", models.RoleCashier)
	admin, _ := a.IssueToken("u2", "tenant-a", models.RoleAdmin)

	handler := a.Middleware(RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/admin/stats/summary", nil)
	req.Header.Set("Authorization", "Bearer "+cashier)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, errorCode(t, rec))

	req = httptest.NewRequest(http.MethodGet, "/admin/stats/summary", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Code
}
