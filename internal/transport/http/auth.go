package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/middleware"
)

// AuthHandler 处理管理员认证相关的 HTTP 请求
type AuthHandler struct {
	authService *auth.Service // 认证业务服务
	log         *zap.Logger   // 结构化日志记录器
}

// NewAuthHandler 创建新的认证处理器实例
//
// 参数:
//   - authService: 认证业务服务
//   - log: 日志记录器
//
// 返回值:
//   - *AuthHandler: 认证处理器实例
func NewAuthHandler(authService *auth.Service, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		log:         log,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
	OTP      string `json:"otp"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type meResponse struct {
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expiresAt"`
	TOTPEnabled bool      `json:"totpEnabled"`
}

// Login 处理管理员登录请求
// @Summary 管理员登录
// @Description 校验密码（以及启用时的两步验证动态码），成功后返回令牌对
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body loginRequest true "登录凭证"
// @Success 200 {object} jwt.TokenPair "登录成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 401 {object} ErrorResponse "用户名、密码或动态码错误"
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	tokens, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Username: req.Username,
		Password: req.Password,
		OTP:      req.OTP,
	})
	if err != nil {
		writeError(c, h.log, "login", err)
		return
	}

	OK(c, tokens)
}

// Refresh 刷新访问令牌
// @Summary 刷新访问令牌
// @Description 使用刷新令牌换取新的令牌对，旧刷新令牌随即失效
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body refreshRequest true "包含刷新令牌的请求"
// @Success 200 {object} jwt.TokenPair "新的令牌对"
// @Failure 401 {object} ErrorResponse "刷新令牌无效或已过期"
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	tokens, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, h.log, "refresh", err)
		return
	}

	OK(c, tokens)
}

// Logout 注销当前访问令牌，可同时注销刷新令牌
func (h *AuthHandler) Logout(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	// body 可为空
	var req logoutRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.authService.Logout(c.Request.Context(), claims, req.RefreshToken); err != nil {
		writeError(c, h.log, "logout", err)
		return
	}
	Done(c)
}

// Me 获取当前管理员信息
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	resp := meResponse{
		Username:    claims.Subject,
		Role:        claims.Role,
		TOTPEnabled: h.authService.TOTPEnabled(),
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	OK(c, resp)
}
