package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/middleware"
	"keyauth/backend/internal/service"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// KeyHandler 处理密钥相关的 HTTP 请求
type KeyHandler struct {
	licenses *service.LicenseService
	log      *zap.Logger
}

// NewKeyHandler 创建密钥处理器
func NewKeyHandler(licenses *service.LicenseService, log *zap.Logger) *KeyHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyHandler{licenses: licenses, log: log}
}

type generateKeyRequest struct {
	DurationMs     *int64 `json:"durationMs"`     // 有效期（毫秒），不传表示永不过期
	MaxActivations *int   `json:"maxActivations"` // 最大激活设备数
	AppID          string `json:"appId"`
	OwnerID        string `json:"ownerId"`
	Note           string `json:"note"`
}

type generateKeyResponse struct {
	Success bool               `json:"success"`
	Key     *domain.LicenseKey `json:"key"`
}

type validateKeyRequest struct {
	Value     string `json:"value" binding:"required"`
	HWID      string `json:"hwid"`
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"` // 也可以通过 X-App-Secret 头传递
}

type legacyCheckRequest struct {
	Value     string `json:"value" binding:"required"`
	HWID      string `json:"hwid"`
	AppSecret string `json:"appSecret"`
}

type maxActivationsRequest struct {
	MaxActivations *int `json:"maxActivations"`
}

// Generate 生成密钥
// @Summary 生成许可证密钥
// @Tags Keys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body generateKeyRequest true "生成参数"
// @Success 201 {object} generateKeyResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /keys [post]
func (h *KeyHandler) Generate(c *gin.Context) {
	var req generateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	// 未指定生成者时记录为当前管理员
	if req.OwnerID == "" {
		if claims, ok := middleware.ClaimsFrom(c); ok {
			req.OwnerID = claims.Subject
		}
	}

	key, err := h.licenses.Generate(c.Request.Context(), service.GenerateInput{
		DurationMs:     req.DurationMs,
		MaxActivations: req.MaxActivations,
		AppID:          req.AppID,
		OwnerID:        req.OwnerID,
		Note:           req.Note,
	})
	if err != nil {
		writeError(c, h.log, "generate", err)
		return
	}

	Created(c, generateKeyResponse{Success: true, Key: key})
}

// Validate 验证密钥
// @Summary 验证许可证密钥
// @Description 客户端调用。首次验证时绑定硬件指纹。
// @Tags Keys
// @Accept json
// @Produce json
// @Param X-App-Secret header string false "应用密钥"
// @Param request body validateKeyRequest true "验证参数"
// @Success 200 {object} domain.Verdict
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /keys/validate [post]
func (h *KeyHandler) Validate(c *gin.Context) {
	var req validateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	verdict, err := h.licenses.Validate(c.Request.Context(), service.ValidateInput{
		Value:     req.Value,
		HWID:      req.HWID,
		AppID:     req.AppID,
		AppSecret: appSecretFrom(c, req.AppSecret),
		IP:        c.ClientIP(),
	})
	if err != nil {
		writeError(c, h.log, "validate", err)
		return
	}

	OK(c, verdict)
}

// appSecretFrom 优先取 X-App-Secret 头，其次取请求体
func appSecretFrom(c *gin.Context, body string) string {
	if secret := c.GetHeader("X-App-Secret"); secret != "" {
		return secret
	}
	return body
}

// LegacyCheck 兼容旧版加载器的 /api/check。
// 带 hwid 时等同于 Validate；不带 hwid 时只读检查，不产生绑定。
func (h *KeyHandler) LegacyCheck(c *gin.Context) {
	var req legacyCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	secret := appSecretFrom(c, req.AppSecret)

	var (
		verdict *domain.Verdict
		err     error
	)
	if req.HWID == "" {
		verdict, err = h.licenses.Check(c.Request.Context(), req.Value, secret)
	} else {
		verdict, err = h.licenses.Validate(c.Request.Context(), service.ValidateInput{
			Value:     req.Value,
			HWID:      req.HWID,
			AppSecret: secret,
			IP:        c.ClientIP(),
		})
	}
	if err != nil {
		writeError(c, h.log, "legacy_check", err)
		return
	}

	OK(c, verdict)
}

// List 列出密钥
// @Summary 列出密钥
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Param appId query string false "应用 ID"
// @Param status query string false "active | banned | expired"
// @Success 200 {array} domain.LicenseKey
// @Router /keys [get]
func (h *KeyHandler) List(c *gin.Context) {
	status, ok := domain.ParseClassification(c.Query("status"))
	if !ok {
		BadRequest(c, MsgInvalidStatus)
		return
	}

	keys, err := h.licenses.ListKeys(c.Request.Context(), domain.KeyFilter{
		AppID:  c.Query("appId"),
		Status: status,
	})
	if err != nil {
		writeError(c, h.log, "list", err)
		return
	}
	if keys == nil {
		keys = []domain.LicenseKey{}
	}

	OK(c, keys)
}

// Get 获取单个密钥
func (h *KeyHandler) Get(c *gin.Context) {
	key, err := h.licenses.GetKey(c.Request.Context(), c.Param("value"))
	if err != nil {
		writeError(c, h.log, "get", err)
		return
	}
	OK(c, key)
}

// Ban 封禁密钥
// @Summary 封禁密钥
// @Tags Keys
// @Security BearerAuth
// @Param value path string true "密钥值"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /keys/{value}/ban [post]
func (h *KeyHandler) Ban(c *gin.Context) {
	h.simple(c, "ban", h.licenses.Ban)
}

// Unban 解除封禁
func (h *KeyHandler) Unban(c *gin.Context) {
	h.simple(c, "unban", h.licenses.Unban)
}

// ResetHWID 清除硬件绑定
func (h *KeyHandler) ResetHWID(c *gin.Context) {
	h.simple(c, "reset_hwid", h.licenses.ResetHWID)
}

// Delete 删除密钥
// @Summary 删除密钥
// @Tags Keys
// @Security BearerAuth
// @Param value path string true "密钥值"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /keys/{value} [delete]
func (h *KeyHandler) Delete(c *gin.Context) {
	h.simple(c, "delete", h.licenses.Delete)
}

func (h *KeyHandler) simple(c *gin.Context, op string, fn func(ctx context.Context, value string) error) {
	if err := fn(c.Request.Context(), c.Param("value")); err != nil {
		writeError(c, h.log, op, err)
		return
	}
	Done(c)
}

// SetExpiry 修改过期时间，body 为 {"expiresAt": "<RFC3339>"} 或 {"expiresAt": null}
func (h *KeyHandler) SetExpiry(c *gin.Context) {
	var req struct {
		ExpiresAt json.RawMessage `json:"expiresAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ExpiresAt) == 0 {
		BadRequest(c, MsgInvalidExpiry)
		return
	}

	var expiresAt *time.Time
	if !bytes.Equal(bytes.TrimSpace(req.ExpiresAt), []byte("null")) {
		var t time.Time
		if err := json.Unmarshal(req.ExpiresAt, &t); err != nil {
			BadRequest(c, MsgInvalidExpiry)
			return
		}
		expiresAt = &t
	}

	if err := h.licenses.Extend(c.Request.Context(), c.Param("value"), expiresAt); err != nil {
		writeError(c, h.log, "extend", err)
		return
	}
	Done(c)
}

// SetMaxActivations 修改最大激活数
func (h *KeyHandler) SetMaxActivations(c *gin.Context) {
	var req maxActivationsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MaxActivations == nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.licenses.SetMaxActivations(c.Request.Context(), c.Param("value"), *req.MaxActivations); err != nil {
		writeError(c, h.log, "set_max_activations", err)
		return
	}
	Done(c)
}

// Usage 列出密钥的使用记录，limit 默认 100，最大 1000
func (h *KeyHandler) Usage(c *gin.Context) {
	limit := defaultUsageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		limit = min(n, maxUsageLimit)
	}

	logs, err := h.licenses.ListUsage(c.Request.Context(), c.Param("value"), limit)
	if err != nil {
		writeError(c, h.log, "usage", err)
		return
	}
	if logs == nil {
		logs = []domain.UsageLog{}
	}
	OK(c, logs)
}

// Stats 密钥统计
// @Summary 密钥统计
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Success 200 {object} domain.KeyStatistics
// @Router /stats [get]
func (h *KeyHandler) Stats(c *gin.Context) {
	stats, err := h.licenses.Stats(c.Request.Context())
	if err != nil {
		writeError(c, h.log, "stats", err)
		return
	}
	OK(c, stats)
}
