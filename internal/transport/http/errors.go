package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/service"
	"keyauth/backend/internal/storage"
)

// apiError 业务错误对应的响应
type apiError struct {
	status int
	code   string
	msg    string
}

// 错误映射表（业务错误 -> 状态码与中文消息），按顺序匹配
var errorMessages = []struct {
	target error
	apiError
}{
	// 密钥
	{storage.ErrKeyNotFound, apiError{http.StatusNotFound, CodeKeyNotFound, "密钥不存在"}},
	{service.ErrInvalidMaxActivations, apiError{http.StatusBadRequest, CodeInvalidMax, "最大激活数必须大于等于 1"}},
	{service.ErrInvalidDuration, apiError{http.StatusBadRequest, CodeInvalidDur, "有效期超出允许范围"}},
	{service.ErrHWIDRequired, apiError{http.StatusBadRequest, CodeHWIDRequired, "缺少硬件指纹"}},
	{service.ErrInvalidInput, apiError{http.StatusBadRequest, CodeBadRequest, MsgInvalidRequest}},

	// 应用
	{service.ErrInvalidAppReference, apiError{http.StatusBadRequest, CodeInvalidApp, "应用不存在或无效"}},
	{service.ErrInvalidAppSecret, apiError{http.StatusUnauthorized, CodeInvalidSecret, "应用密钥错误"}},
	{service.ErrApplicationInUse, apiError{http.StatusConflict, CodeAppInUse, "无法删除：该应用下仍有密钥"}},
	{storage.ErrApplicationNotFound, apiError{http.StatusNotFound, CodeAppNotFound, "应用不存在"}},

	// 认证
	{auth.ErrInvalidCredentials, apiError{http.StatusUnauthorized, CodeBadCredentials, "用户名或密码错误"}},
	{auth.ErrOTPRequired, apiError{http.StatusUnauthorized, CodeOTPRequired, "请输入两步验证动态码"}},
	{auth.ErrInvalidOTP, apiError{http.StatusUnauthorized, CodeInvalidOTP, "动态码错误"}},
	{auth.ErrTokenRevoked, apiError{http.StatusUnauthorized, CodeInvalidToken, "令牌已注销"}},
	{jwt.ErrExpiredToken, apiError{http.StatusUnauthorized, CodeTokenExpired, "登录已过期，请重新登录"}},
	{jwt.ErrWrongTokenType, apiError{http.StatusUnauthorized, CodeInvalidToken, MsgTokenInvalid}},
	{jwt.ErrInvalidToken, apiError{http.StatusUnauthorized, CodeInvalidToken, MsgTokenInvalid}},
}

// lookupError 查找业务错误对应的响应，未知错误返回 false
func lookupError(err error) (apiError, bool) {
	for _, e := range errorMessages {
		if errors.Is(err, e.target) {
			return e.apiError, true
		}
	}
	return apiError{}, false
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if e, ok := lookupError(err); ok {
		return e.msg
	}
	return MsgInternalError
}

// writeError 将业务错误写入响应。未知错误记录日志并返回 500，不向客户端暴露细节。
func writeError(c *gin.Context, log *zap.Logger, op string, err error) {
	if e, ok := lookupError(err); ok {
		Error(c, e.status, e.code, e.msg)
		return
	}
	log.Error("request failed",
		zap.String("op", op),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	InternalError(c, MsgInternalError)
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidStatus  = "状态过滤参数无效"
	MsgInvalidExpiry  = "过期时间格式无效"
	MsgTokenInvalid   = "无效的访问令牌"
	MsgAuthRequired   = "需要登录认证"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
