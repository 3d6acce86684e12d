package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
)

const testSecret = "test-secret"

func mint(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type recordingSyncer struct {
	calls map[uuid.UUID]string
	count int
}

func (s *recordingSyncer) SyncUser(_ context.Context, id uuid.UUID, role string) error {
	if s.calls == nil {
		s.calls = make(map[uuid.UUID]string)
	}
	s.calls[id] = role
	s.count++
	return nil
}

func TestAuthenticatorAttachesPrincipal(t *testing.T) {
	users := &recordingSyncer{}
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "miniapp", Audience: []string{"marketd"}}, users, nil)
	require.NoError(t, err)

	var seen Principal
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		seen = p
		w.WriteHeader(http.StatusNoContent)
	}))

	userID := uuid.New()
	token := mint(t, testSecret, jwt.MapClaims{"sub": userID.String(), "iss": "miniapp", "aud": "marketd", "role": "service"})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/marketplace/listings", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusNoContent, res.Code)
	}
	require.Equal(t, Principal{UserID: userID, Role: models.RoleService}, seen)
	require.True(t, seen.IsPrivileged())
	require.Equal(t, models.RoleService, users.calls[userID])
	require.Equal(t, 1, users.count, "repeat callers are synced once")
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "miniapp"}, nil, nil)
	require.NoError(t, err)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	userID := uuid.NewString()
	cases := map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + mint(t, "other", jwt.MapClaims{"sub": userID, "iss": "miniapp"}),
		"wrong issuer": "Bearer " + mint(t, testSecret, jwt.MapClaims{"sub": userID, "iss": "elsewhere"}),
		"expired":      "Bearer " + mint(t, testSecret, jwt.MapClaims{"sub": userID, "iss": "miniapp", "exp": time.Now().Add(-time.Hour).Unix()}),
		"bad subject":  "Bearer " + mint(t, testSecret, jwt.MapClaims{"sub": "alice", "iss": "miniapp"}),
		"bad role":     "Bearer " + mint(t, testSecret, jwt.MapClaims{"sub": userID, "iss": "miniapp", "role": "root"}),
		"basic scheme": "Basic Zm9vOmJhcg==",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, http.StatusUnauthorized, res.Code)
			require.Contains(t, res.Body.String(), `"error":"unauthorized"`)
		})
	}
}

func TestAdminSubjectsAreElevated(t *testing.T) {
	adminID := uuid.New()
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, AdminSubjects: []string{adminID.String()}}, nil, nil)
	require.NoError(t, err)

	p, err := auth.Authenticate(mint(t, testSecret, jwt.MapClaims{"sub": adminID.String()}))
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, p.Role)

	p, err = auth.Authenticate(mint(t, testSecret, jwt.MapClaims{"sub": uuid.NewString()}))
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, p.Role)
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{HMACSecret: "  "}, nil, nil)
	require.Error(t, err)
}

func TestRequirePrivileged(t *testing.T) {
	handler := RequirePrivileged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"anonymous", context.Background(), http.StatusUnauthorized},
		{"user", WithPrincipal(context.Background(), Principal{UserID: uuid.New(), Role: models.RoleUser}), http.StatusForbidden},
		{"service", WithPrincipal(context.Background(), Principal{UserID: uuid.New(), Role: models.RoleService}), http.StatusOK},
		{"admin", WithPrincipal(context.Background(), Principal{UserID: uuid.New(), Role: models.RoleAdmin}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(tc.ctx)
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.want, res.Code)
		})
	}
}
