package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/middleware"
	"keyauth/backend/internal/service"
)

// AppHandler 处理应用管理请求
type AppHandler struct {
	apps *service.ApplicationService
	log  *zap.Logger
}

// NewAppHandler 创建应用处理器
func NewAppHandler(apps *service.ApplicationService, log *zap.Logger) *AppHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AppHandler{apps: apps, log: log}
}

type createAppRequest struct {
	Name     string              `json:"name" binding:"required"`
	Settings *domain.AppSettings `json:"settings"`
}

type updateAppRequest struct {
	Name     *string             `json:"name"`
	Settings *domain.AppSettings `json:"settings"`
}

// Create 创建应用
// @Summary 创建应用
// @Description 创建应用并返回完整的应用密钥，之后列表中只显示前缀
// @Tags Apps
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createAppRequest true "应用参数"
// @Success 201 {object} domain.Application
// @Failure 400 {object} ErrorResponse
// @Router /apps [post]
func (h *AppHandler) Create(c *gin.Context) {
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	var owner string
	if claims, ok := middleware.ClaimsFrom(c); ok {
		owner = claims.Subject
	}

	app, err := h.apps.Create(c.Request.Context(), service.CreateApplicationInput{
		Name:     req.Name,
		OwnerID:  owner,
		Settings: req.Settings,
	})
	if err != nil {
		writeError(c, h.log, "create_app", err)
		return
	}

	Created(c, app)
}

// List 列出应用，密钥脱敏
func (h *AppHandler) List(c *gin.Context) {
	apps, err := h.apps.List(c.Request.Context())
	if err != nil {
		writeError(c, h.log, "list_apps", err)
		return
	}

	out := make([]domain.Application, 0, len(apps))
	for _, app := range apps {
		out = append(out, app.Redacted())
	}
	OK(c, out)
}

// Get 获取应用详情（含完整密钥）
func (h *AppHandler) Get(c *gin.Context) {
	app, err := h.apps.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, "get_app", err)
		return
	}
	OK(c, app)
}

// Update 更新应用名称或设置
func (h *AppHandler) Update(c *gin.Context) {
	var req updateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	app, err := h.apps.Update(c.Request.Context(), c.Param("id"), service.UpdateApplicationInput{
		Name:     req.Name,
		Settings: req.Settings,
	})
	if err != nil {
		writeError(c, h.log, "update_app", err)
		return
	}
	OK(c, app)
}

// RotateSecret 重新生成应用密钥
func (h *AppHandler) RotateSecret(c *gin.Context) {
	app, err := h.apps.RotateSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, "rotate_secret", err)
		return
	}
	OK(c, app)
}

// Delete 删除应用，仍有密钥时返回 409
func (h *AppHandler) Delete(c *gin.Context) {
	if err := h.apps.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, "delete_app", err)
		return
	}
	Done(c)
}
