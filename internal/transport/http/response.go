package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Success bool   `json:"success"` // 固定为 false
	Code    string `json:"code"`    // 机器可读的错误码
	Msg     string `json:"msg"`     // 中文提示信息
}

// SuccessResponse 无数据载荷的成功响应
type SuccessResponse struct {
	Success bool `json:"success"`
}

// 错误码定义
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeKeyNotFound    = "KEY_NOT_FOUND"
	CodeAppNotFound    = "APP_NOT_FOUND"
	CodeInvalidApp     = "INVALID_APP"
	CodeInvalidSecret  = "INVALID_APP_SECRET"
	CodeHWIDRequired   = "HWID_REQUIRED"
	CodeInvalidMax     = "INVALID_MAX_ACTIVATIONS"
	CodeInvalidDur     = "INVALID_DURATION"
	CodeAppInUse       = "APP_IN_USE"
	CodeOTPRequired    = "OTP_REQUIRED"
	CodeInvalidOTP     = "INVALID_OTP"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeBadCredentials = "INVALID_CREDENTIALS"
)

// OK 成功响应（200），直接返回数据
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// Done 无数据载荷的操作成功（200 {success:true}）
func Done(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, code, msg string) {
	c.AbortWithStatusJSON(httpCode, ErrorResponse{
		Success: false,
		Code:    code,
		Msg:     msg,
	})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, CodeBadRequest, msg)
}

// Unauthorized 未认证错误（401）
func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, CodeNotFound, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, CodeInternalError, msg)
}
