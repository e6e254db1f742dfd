package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/config"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	tokens := jwt.NewManager("middleware-test-secret-0123456789abcdef", "keyauth", time.Minute, time.Hour)
	return auth.NewService(config.AdminConfig{Username: "admin", PasswordHash: string(hash)}, tokens, memory.NewStore(0), zap.NewNop())
}

func TestJWTAuth_RequireAuth(t *testing.T) {
	svc := newAuthService(t)
	ja := NewJWTAuth(svc, zap.NewNop())

	r := gin.New()
	r.GET("/secure", ja.RequireAuth(), RequireAdmin(), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	pair, err := svc.Login(context.Background(), auth.LoginInput{Password: "password123"})
	require.NoError(t, err)

	t.Run("无令牌", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/secure", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"success":false`)
	})

	t.Run("有效令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "admin", w.Body.String())
	})

	t.Run("从 cookie 读取令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: pair.AccessToken})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("刷新令牌被拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("注销后被拒绝", func(t *testing.T) {
		claims, err := svc.Authenticate(context.Background(), pair.AccessToken)
		require.NoError(t, err)
		require.NoError(t, svc.Logout(context.Background(), claims, ""))

		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { c.Set(ContextRole, "viewer") }, RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type failingCounter struct{}

func (failingCounter) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimiter(t *testing.T) {
	t.Run("本地令牌桶", func(t *testing.T) {
		metrics := monitoring.NewMetrics()
		rl := NewRateLimiter("validate", 60, 2, nil, metrics, zap.NewNop())

		r := gin.New()
		r.POST("/v", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodPost, "/v", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}
		assert.Equal(t, []int{200, 200, 429}, codes)

		// 其他 IP 不受影响
		req := httptest.NewRequest(http.MethodPost, "/v", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("共享计数器", func(t *testing.T) {
		rl := NewRateLimiter("validate", 3, 1, memory.NewStore(0), nil, nil)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow(ctx, "1.2.3.4"))
		}
		assert.False(t, rl.Allow(ctx, "1.2.3.4"))
		assert.True(t, rl.Allow(ctx, "5.6.7.8"))
	})

	t.Run("计数器故障时退回本地", func(t *testing.T) {
		rl := NewRateLimiter("validate", 60, 1, failingCounter{}, nil, nil)
		assert.True(t, rl.Allow(context.Background(), "1.2.3.4"))
		assert.False(t, rl.Allow(context.Background(), "1.2.3.4"))
	})

	t.Run("不限流", func(t *testing.T) {
		rl := NewRateLimiter("validate", 0, 1, nil, nil, nil)
		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow(context.Background(), "1.2.3.4"))
		}
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/b", BodySizeLimit(16), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/b", strings.NewReader(strings.Repeat("x", 32))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/b", strings.NewReader("ok")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPanicRecovery(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, zap.NewNop())

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestValidateContentType(t *testing.T) {
	r := gin.New()
	r.Use(ValidateContentType("application/json"))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(method, contentType, body string) int {
		req := httptest.NewRequest(method, "/x", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send(http.MethodPost, "application/json; charset=utf-8", `{}`))
	assert.Equal(t, http.StatusUnsupportedMediaType, send(http.MethodPost, "text/plain", `{}`))
	assert.Equal(t, http.StatusNoContent, send(http.MethodPost, "", ""), "空请求体不检查")
	assert.Equal(t, http.StatusNoContent, send(http.MethodGet, "text/plain", ""))
}
