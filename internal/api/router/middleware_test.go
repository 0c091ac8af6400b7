package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/handler"
	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

type stateFlag bool

func (s stateFlag) IsShuttingDown() bool { return bool(s) }

func TestAuthMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "U1",
		Issuer:    "recipe-auth",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noSubject := valid
	noSubject.Subject = ""

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "valid token", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid), wantStatus: http.StatusOK, wantUser: "U1"},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not a bearer token", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid), wantStatus: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid), wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), wantStatus: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/private", AuthMiddleware(handler.AuthSettings{JWTSecret: testSecret, Issuer: "recipe-auth"}, logger.NewDiscard()),
				func(c *gin.Context) {
					c.String(http.StatusOK, c.GetString(handler.ContextKeyUserID))
				})

			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantUser != "" {
				assert.Equal(t, tt.wantUser, rec.Body.String())
			}
		})
	}
}

func TestStreamAuthMiddleware(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "U1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "query token for own stream", path: "/events/U1?access_token=" + token, wantStatus: http.StatusOK},
		{name: "bearer header for own stream", path: "/events/U1", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "another user's stream", path: "/events/U2?access_token=" + token, wantStatus: http.StatusForbidden},
		{name: "no token", path: "/events/U1", wantStatus: http.StatusUnauthorized},
		{name: "forged token", path: "/events/U1?access_token=" + signToken(t, jwt.SigningMethodHS256, []byte("other"), claims), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/events/:userId", StreamAuthMiddleware(handler.AuthSettings{JWTSecret: testSecret}, logger.NewDiscard()),
				func(c *gin.Context) {
					c.Status(http.StatusOK)
				})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	limiters := newUserLimiters(handler.RateLimitSettings{RequestsPerMinute: 1, Burst: 2, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiters.now = func() time.Time { return now }

	r := gin.New()
	r.POST("/upload", func(c *gin.Context) {
		c.Set(handler.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	}, rateLimit(limiters), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send("U1"))
	assert.Equal(t, http.StatusAccepted, send("U1"))
	assert.Equal(t, http.StatusTooManyRequests, send("U1"))

	// Buckets are per user
	assert.Equal(t, http.StatusAccepted, send("U2"))

	// One token refills per minute
	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusAccepted, send("U1"))
	assert.Equal(t, http.StatusTooManyRequests, send("U1"))
}

func TestRateLimit_PrunesIdleUsers(t *testing.T) {
	limiters := newUserLimiters(handler.RateLimitSettings{RequestsPerMinute: 10, Burst: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiters.now = func() time.Time { return now }

	limiters.allow("U1")
	limiters.allow("U2")
	assert.Equal(t, 2, limiters.size())

	now = now.Add(2 * time.Minute)
	limiters.allow("U3")
	assert.Equal(t, 1, limiters.size())
}

func TestShutdownMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		state      handler.StateReporter
		wantStatus int
	}{
		{name: "running", state: stateFlag(false), wantStatus: http.StatusOK},
		{name: "shutting down", state: stateFlag(true), wantStatus: http.StatusServiceUnavailable},
		{name: "no reporter", state: nil, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ShutdownMiddleware(tt.state))
			r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.JSONEq(t, `{"error":"server is shutting down"}`, rec.Body.String())
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	policy := handler.NewOriginPolicy([]string{"https://app.example.com"}, "https://example.com")

	r := gin.New()
	r.Use(CORSMiddleware(policy))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{name: "allowed origin is echoed", method: http.MethodGet, origin: "https://app.example.com", wantOrigin: "https://app.example.com", wantStatus: http.StatusOK},
		{name: "unknown origin gets default", method: http.MethodGet, origin: "https://evil.example.net", wantOrigin: "https://example.com", wantStatus: http.StatusOK},
		{name: "preflight", method: http.MethodOptions, origin: "https://app.example.com", wantOrigin: "https://app.example.com", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/ping", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSetupRouter_Routes(t *testing.T) {
	deps := &handler.Dependencies{
		Logger:      logger.NewDiscard(),
		ServiceName: "recipe-api",
		Origins:     handler.NewOriginPolicy(nil, "https://example.com"),
		Auth:        handler.AuthSettings{JWTSecret: testSecret},
		RateLimit:   handler.RateLimitSettings{RequestsPerMinute: 10, Burst: 3},
	}
	r := SetupRouter(deps)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{method: http.MethodPost, path: "/recipe/generate", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/recipe/generations", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/recipe/events/U1", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/api/v1/jobs", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.wantStatus, rec.Code, tt.method+" "+tt.path)
	}
}
