package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/service"
	"keyauth/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	store    *memory.Store
	licenses *service.LicenseService
	apps     *service.ApplicationService
	token    string
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-password"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		CORS:      config.CORSConfig{AllowedOrigins: []string{"*"}},
		Admin:     config.AdminConfig{Username: "admin", PasswordHash: string(hash)},
		License:   config.LicenseConfig{KeyPrefix: "ECL", DefaultMaxActivations: 1},
		RateLimit: config.RateLimitConfig{ValidatePerMinute: 1000, Burst: 1000},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.NewStore(0)
	apps := service.NewApplicationService(store, zap.NewNop())
	licenses := service.NewLicenseService(store, apps, cfg.License, zap.NewNop())
	licenses.SetUsageRecorder(service.NewUsageRecorder(store, nil, 0, zap.NewNop()))

	tokens := jwt.NewManager("router-test-secret-0123456789abcdef", "keyauth", time.Minute, time.Hour)
	authService := auth.NewService(cfg.Admin, tokens, store, zap.NewNop())

	router := NewRouter(RouterDependencies{
		Config:           cfg,
		LicenseService:   licenses,
		AppService:       apps,
		DashboardService: service.NewDashboardService(store),
		AuthService:      authService,
		Metrics:          monitoring.NewMetrics(),
		Logger:           zap.NewNop(),
	})

	pair, err := authService.Login(context.Background(), auth.LoginInput{Password: "admin-password"})
	require.NoError(t, err)

	return &testServer{router: router, store: store, licenses: licenses, apps: apps, token: pair.AccessToken}
}

func (s *testServer) do(t *testing.T, method, path string, body any, authed bool, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) generate(t *testing.T, body map[string]any) *domain.LicenseKey {
	t.Helper()
	w := s.do(t, http.MethodPost, "/keys", body, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp generateKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Key)
	return resp.Key
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRouter_AdminRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/keys"},
		{http.MethodGet, "/keys"},
		{http.MethodGet, "/stats"},
		{http.MethodPost, "/keys/ABC/ban"},
		{http.MethodDelete, "/keys/ABC"},
		{http.MethodGet, "/apps"},
		{http.MethodGet, "/dashboard/stats"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			w := s.do(t, route.method, route.path, nil, false)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			resp := decode[ErrorResponse](t, w)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Code)
		})
	}
}

func TestRouter_GenerateAndValidate(t *testing.T) {
	s := newTestServer(t, nil)

	key := s.generate(t, map[string]any{"durationMs": 3600000, "note": "测试"})
	assert.Equal(t, 1, key.MaxActivations)
	require.NotNil(t, key.ExpiresAt)
	require.NotNil(t, key.OwnerID)
	assert.Equal(t, "admin", *key.OwnerID)

	t.Run("首次验证绑定", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value, "hwid": "hw-1"}, false)
		require.Equal(t, http.StatusOK, w.Code)
		v := decode[domain.Verdict](t, w)
		assert.True(t, v.Valid)
		assert.NotNil(t, v.ExpiresAt)
	})

	t.Run("其他设备被拒绝", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value, "hwid": "hw-2"}, false)
		require.Equal(t, http.StatusOK, w.Code)
		v := decode[domain.Verdict](t, w)
		assert.False(t, v.Valid)
		assert.Equal(t, domain.ReasonHWIDMismatch, v.Reason)
	})

	t.Run("不存在的密钥", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": "ECL-NOPE", "hwid": "hw-1"}, false)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, domain.ReasonNotFound, decode[domain.Verdict](t, w).Reason)
	})

	t.Run("缺少硬件指纹返回 400", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value}, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeHWIDRequired, decode[ErrorResponse](t, w).Code)
	})
}

func TestRouter_GenerateErrors(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("最大激活数为 0", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys", map[string]any{"maxActivations": 0}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidMax, decode[ErrorResponse](t, w).Code)
	})

	t.Run("引用不存在的应用", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys", map[string]any{"appId": "missing"}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidApp, decode[ErrorResponse](t, w).Code)
	})

	t.Run("非法 JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+s.token)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouter_AdminKeyOperations(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.generate(t, nil)

	t.Run("封禁与解封", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/"+key.Value+"/ban", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[SuccessResponse](t, w).Success)

		w = s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value, "hwid": "hw"}, false)
		assert.Equal(t, domain.ReasonBanned, decode[domain.Verdict](t, w).Reason)

		w = s.do(t, http.MethodPost, "/keys/"+key.Value+"/unban", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("不存在的密钥返回 404", func(t *testing.T) {
		for _, path := range []string{"/keys/ECL-MISSING/ban", "/keys/ECL-MISSING/unban", "/keys/ECL-MISSING/reset-hwid"} {
			w := s.do(t, http.MethodPost, path, nil, true)
			assert.Equal(t, http.StatusNotFound, w.Code, path)
			assert.Equal(t, CodeKeyNotFound, decode[ErrorResponse](t, w).Code)
		}
		w := s.do(t, http.MethodDelete, "/keys/ECL-MISSING", nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("修改过期时间", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
		w := s.do(t, http.MethodPatch, "/keys/"+key.Value+"/expiry", map[string]any{"expiresAt": past}, true)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value, "hwid": "hw"}, false)
		assert.Equal(t, domain.ReasonExpired, decode[domain.Verdict](t, w).Reason)

		w = s.do(t, http.MethodPatch, "/keys/"+key.Value+"/expiry", map[string]any{"expiresAt": nil}, true)
		require.Equal(t, http.StatusOK, w.Code)

		got, err := s.licenses.GetKey(context.Background(), key.Value)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)

		w = s.do(t, http.MethodPatch, "/keys/"+key.Value+"/expiry", map[string]any{}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("修改最大激活数", func(t *testing.T) {
		w := s.do(t, http.MethodPatch, "/keys/"+key.Value+"/max-activations", map[string]any{"maxActivations": 3}, true)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodPatch, "/keys/"+key.Value+"/max-activations", map[string]any{"maxActivations": 0}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidMax, decode[ErrorResponse](t, w).Code)
	})

	t.Run("获取与使用记录", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/keys/"+key.Value, nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, key.Value, decode[domain.LicenseKey](t, w).Value)

		w = s.do(t, http.MethodGet, "/keys/"+key.Value+"/usage?limit=5", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		logs := decode[[]domain.UsageLog](t, w)
		assert.NotEmpty(t, logs)
		assert.LessOrEqual(t, len(logs), 5)

		w = s.do(t, http.MethodGet, "/keys/"+key.Value+"/usage?limit=abc", nil, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("删除", func(t *testing.T) {
		w := s.do(t, http.MethodDelete, "/keys/"+key.Value, nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodGet, "/keys/"+key.Value, nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRouter_ListAndStats(t *testing.T) {
	s := newTestServer(t, nil)

	active := s.generate(t, nil)
	banned := s.generate(t, nil)
	s.generate(t, map[string]any{"durationMs": 0})
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/keys/"+banned.Value+"/ban", nil, true).Code)

	t.Run("列表为数组", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/keys", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]domain.LicenseKey](t, w), 3)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/keys?status=active", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		keys := decode[[]domain.LicenseKey](t, w)
		require.Len(t, keys, 1)
		assert.Equal(t, active.Value, keys[0].Value)

		w = s.do(t, http.MethodGet, "/keys?status=bogus", nil, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("空结果返回空数组", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/keys?appId=none", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("统计", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/stats", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		stats := decode[domain.KeyStatistics](t, w)
		assert.Equal(t, domain.KeyStatistics{TotalKeys: 3, ActiveKeys: 1, BannedKeys: 1, ExpiredKeys: 1}, stats)
	})

	t.Run("面板统计", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/dashboard/stats", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		stats := decode[domain.DashboardStatistics](t, w)
		assert.Equal(t, 3, stats.TotalKeys)
		assert.Equal(t, 0, stats.TotalApps)
	})
}

func TestRouter_Apps(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.License.RequireAppSecret = true })

	w := s.do(t, http.MethodPost, "/apps", map[string]any{
		"name":     "Loader",
		"settings": map[string]any{"hwidLock": true, "maxActivations": 2},
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	app := decode[domain.Application](t, w)
	require.NotEmpty(t, app.Secret)

	key := s.generate(t, map[string]any{"appId": app.ID})
	assert.Equal(t, 2, key.MaxActivations)

	t.Run("应用密钥校验", func(t *testing.T) {
		body := map[string]any{"value": key.Value, "hwid": "hw", "appId": app.ID}

		w := s.do(t, http.MethodPost, "/keys/validate", body, false, "X-App-Secret", "wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, CodeInvalidSecret, decode[ErrorResponse](t, w).Code)

		w = s.do(t, http.MethodPost, "/keys/validate", body, false, "X-App-Secret", app.Secret)
		require.Equal(t, http.StatusOK, w.Code)
		v := decode[domain.Verdict](t, w)
		assert.True(t, v.Valid)
		assert.Equal(t, "Loader", v.AppName)
	})

	t.Run("省略 appId 或走旧版接口仍需应用密钥", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/keys/validate", map[string]any{"value": key.Value, "hwid": "hw2"}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = s.do(t, http.MethodPost, "/api/check", map[string]any{"value": key.Value, "hwid": "hw2"}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, CodeInvalidSecret, decode[ErrorResponse](t, w).Code)

		w = s.do(t, http.MethodPost, "/api/check", map[string]any{"value": key.Value}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		got, err := s.licenses.GetKey(context.Background(), key.Value)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Activations, "未通过校验的请求不能绑定设备")
		assert.False(t, got.IsBoundTo("hw2"))

		w = s.do(t, http.MethodPost, "/api/check", map[string]any{"value": key.Value, "hwid": "hw2"}, false, "X-App-Secret", app.Secret)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[domain.Verdict](t, w).Valid)
	})

	t.Run("列表隐藏密钥", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/apps", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		apps := decode[[]domain.Application](t, w)
		require.Len(t, apps, 1)
		assert.NotEqual(t, app.Secret, apps[0].Secret)
	})

	t.Run("更新与轮换", func(t *testing.T) {
		w := s.do(t, http.MethodPatch, "/apps/"+app.ID, map[string]any{"name": "Loader 2"}, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Loader 2", decode[domain.Application](t, w).Name)

		w = s.do(t, http.MethodPost, "/apps/"+app.ID+"/rotate-secret", nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEqual(t, app.Secret, decode[domain.Application](t, w).Secret)
	})

	t.Run("仍有密钥时拒绝删除", func(t *testing.T) {
		w := s.do(t, http.MethodDelete, "/apps/"+app.ID, nil, true)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeAppInUse, decode[ErrorResponse](t, w).Code)

		require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/keys/"+key.Value, nil, true).Code)
		w = s.do(t, http.MethodDelete, "/apps/"+app.ID, nil, true)
		assert.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodGet, "/apps/"+app.ID, nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRouter_LegacyCheck(t *testing.T) {
	s := newTestServer(t, nil)
	key := s.generate(t, nil)

	t.Run("不带 hwid 只读检查", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/check", map[string]any{"value": key.Value}, false)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[domain.Verdict](t, w).Valid)

		got, err := s.licenses.GetKey(context.Background(), key.Value)
		require.NoError(t, err)
		assert.Nil(t, got.HWID)
	})

	t.Run("带 hwid 等同验证", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/check", map[string]any{"value": key.Value, "hwid": "hw-legacy"}, false)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[domain.Verdict](t, w).Valid)

		got, err := s.licenses.GetKey(context.Background(), key.Value)
		require.NoError(t, err)
		require.NotNil(t, got.HWID)
		assert.Equal(t, "hw-legacy", *got.HWID)
	})
}

func TestRouter_Auth(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("登录失败", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/auth/login", map[string]any{"password": "nope"}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, CodeBadCredentials, decode[ErrorResponse](t, w).Code)
	})

	w := s.do(t, http.MethodPost, "/auth/login", map[string]any{"password": "admin-password"}, false)
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[jwt.TokenPair](t, w)
	require.NotEmpty(t, pair.AccessToken)

	t.Run("当前管理员", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin", decode[meResponse](t, rec).Username)
	})

	t.Run("刷新后旧刷新令牌失效", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/auth/refresh", map[string]any{"refreshToken": pair.RefreshToken}, false)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodPost, "/auth/refresh", map[string]any{"refreshToken": pair.RefreshToken}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("注销后令牌失效", func(t *testing.T) {
		s.token = pair.AccessToken
		w := s.do(t, http.MethodPost, "/auth/logout", nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(t, http.MethodGet, "/keys", nil, true)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRouter_ValidateRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{ValidatePerMinute: 1, Burst: 2}
	})

	body := map[string]any{"value": "ECL-X", "hwid": "hw"}
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/keys/validate", body, false).Code)
	}
	w := s.do(t, http.MethodPost, "/keys/validate", body, false)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	s.do(t, http.MethodGet, "/stats", nil, true)
	w = s.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keyauth_http_requests_total")
}
