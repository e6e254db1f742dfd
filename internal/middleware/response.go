package middleware

import "github.com/gin-gonic/gin"

// abortWithError 以统一错误格式终止请求
func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"code":    code,
		"msg":     msg,
	})
}
