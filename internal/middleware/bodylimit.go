package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// SmallBodyLimit 普通 API 请求体上限
const SmallBodyLimit = 64 * 1024 // 64KB

// BodySizeLimit 限制请求体大小的中间件
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 检查 Content-Length 头
		if c.Request.ContentLength > maxBytes {
			abortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "请求体过大")
			return
		}

		// 未声明长度的请求在读取时截断
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
