package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keyauth/backend/internal/service"
)

// DashboardHandler 管理面板统计
type DashboardHandler struct {
	dashboard *service.DashboardService
	log       *zap.Logger
}

// NewDashboardHandler 创建面板处理器
func NewDashboardHandler(dashboard *service.DashboardService, log *zap.Logger) *DashboardHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DashboardHandler{dashboard: dashboard, log: log}
}

// Statistics 面板统计
// @Summary 管理面板统计
// @Tags Dashboard
// @Produce json
// @Security BearerAuth
// @Success 200 {object} domain.DashboardStatistics
// @Router /dashboard/stats [get]
func (h *DashboardHandler) Statistics(c *gin.Context) {
	stats, err := h.dashboard.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, h.log, "dashboard", err)
		return
	}
	OK(c, stats)
}
