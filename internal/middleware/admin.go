package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"keyauth/backend/internal/auth"
)

// RequireRole 要求特定角色，需放在 RequireAuth 之后
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ContextRole)
		if role == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "需要登录")
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}
		abortWithError(c, http.StatusForbidden, "FORBIDDEN", "权限不足")
	}
}

// RequireAdmin 要求管理员权限
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(auth.RoleAdmin)
}
