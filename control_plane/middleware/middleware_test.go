package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/auth"
	"github.com/itskum47/SettingsForge/control_plane/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newSigner(t *testing.T) *auth.Signer {
	t.Helper()
	s, err := auth.NewSigner("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	return s
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = serve(r, req)
	assert.Equal(t, "abc", w.Body.String())
}

func TestAdminAuth(t *testing.T) {
	signer := newSigner(t)
	r := gin.New()
	r.Use(GinZapLogger(zap.NewNop()), AdminAuth(signer))
	r.GET("/read", func(c *gin.Context) { c.String(http.StatusOK, Username(c)) })
	r.POST("/write", RequireWrite(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	admin, err := signer.GenerateToken("alice", auth.RoleAdmin)
	require.NoError(t, err)
	viewer, err := signer.GenerateToken("bob", auth.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/read", "Basic " + admin, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/read", "Bearer nope", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/read", "Bearer " + viewer, http.StatusOK},
		{"viewer cannot write", http.MethodPost, "/write", "Bearer " + viewer, http.StatusForbidden},
		{"admin writes", http.MethodPost, "/write", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}
}

func TestRateLimitPerKey(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(0.001, 1)
	r := gin.New()
	r.GET("/:name", RateLimit("test", nil, limiter, func(c *gin.Context) string { return c.Param("name") }),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/a", nil)).Code)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/a", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/b", nil)).Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery(zap.NewNop()))
	r.GET("/", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "request_id")
}
