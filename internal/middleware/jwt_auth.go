package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/auth/jwt"
)

// 上下文键
const (
	ContextClaims  = "claims"
	ContextAdminID = "adminID"
	ContextRole    = "role"
)

// JWTAuth JWT认证中间件
type JWTAuth struct {
	auth *auth.Service
	log  *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(authService *auth.Service, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{auth: authService, log: log}
}

// RequireAuth 要求有效的访问令牌，令牌已注销时同样拒绝
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "需要登录")
			return
		}

		claims, err := ja.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			if errors.Is(err, jwt.ErrExpiredToken) {
				abortWithError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "登录已过期，请重新登录")
				return
			}
			abortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", "无效的令牌")
			return
		}

		// 将管理员信息存储到上下文
		c.Set(ContextClaims, claims)
		c.Set(ContextAdminID, claims.Subject)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// ClaimsFrom 返回 RequireAuth 写入的声明
func ClaimsFrom(c *gin.Context) (*jwt.Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// ExtractToken 从请求中提取JWT token
func ExtractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// 2. 从 cookie 提取
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}
