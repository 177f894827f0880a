package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
		Scopes:   []string{"events:read"},
	}
}

func serveWithAuth(header string) (*httptest.ResponseRecorder, *http.Request) {
	var seen *http.Request
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, seen
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	req := require.New(t)

	w, r := serveWithAuth("Bearer " + signToken(t, jwt.SigningMethodHS256, validClaims()))
	req.Equal(http.StatusNoContent, w.Code)
	req.Equal("alice", GetUserID(r.Context()))
	req.Equal("acme", GetTenantID(r.Context()))
	req.True(HasScope(r.Context(), "events:read"))
	req.False(HasScope(r.Context(), "admin"))
}

func TestAuth_Rejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noTenant := validClaims()
	noTenant.TenantID = ""

	tests := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"garbage token":  "Bearer not-a-token",
		"expired":        "Bearer " + signToken(t, jwt.SigningMethodHS256, expired),
		"no tenant":      "Bearer " + signToken(t, jwt.SigningMethodHS256, noTenant),
		"none alg":       "Bearer " + noneToken(t),
	}

	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			w, r := serveWithAuth(header)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			require.Nil(t, r)
		})
	}
}

func noneToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return token
}

func TestRequireScope(t *testing.T) {
	req := require.New(t)
	h := Auth(testSecret)(RequireScope("events:read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	claims := validClaims()
	claims.Scopes = nil
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, claims))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	req.Equal(http.StatusForbidden, w.Code)
}

func TestLogging_SetsCorrelationID(t *testing.T) {
	req := require.New(t)

	var got string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCorrelationID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Correlation-ID", "corr-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	req.Equal("corr-1", got)
	req.Equal("corr-1", w.Header().Get("X-Correlation-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	req.NotEmpty(w.Header().Get("X-Correlation-ID"))
}
