package alerts

import (
	"net/http"
	"time"

	response "trustcore/api/handlers/common"
	"trustcore/internal/alerting"
	"trustcore/internal/auth"
	"trustcore/internal/infra/queue"
	"trustcore/internal/monitor"

	"github.com/gin-gonic/gin"
)

// AlertsHandler 安全告警处理器
type AlertsHandler struct {
	manager     *alerting.Manager
	monitor     *monitor.Monitor
	queueClient queue.Client
}

// NewAlertsHandler 创建安全告警处理器
// queueClient 为 nil 时全租户扫描入口返回 503。
func NewAlertsHandler(manager *alerting.Manager, mon *monitor.Monitor, queueClient queue.Client) *AlertsHandler {
	return &AlertsHandler{
		manager:     manager,
		monitor:     mon,
		queueClient: queueClient,
	}
}

// GetActiveAlerts 获取活跃告警
// @Summary 获取当前租户未确认的告警
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Param severity query string false "按严重级别过滤 (critical, high, medium, low)"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/alerts/active [get]
func (h *AlertsHandler) GetActiveAlerts(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	severity := alerting.Severity(c.Query("severity"))
	if severity != "" && severity.Rank() == 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "无效的严重级别: " + string(severity)})
		return
	}

	alerts, err := h.manager.GetActiveAlerts(c.Request.Context(), userCtx.TenantID, severity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"alerts": alerts, "total": len(alerts)}})
}

// AcknowledgeAlert 确认告警
// @Summary 确认指定告警，重复确认幂等
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Param id path string true "告警 ID"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/alerts/{id}/acknowledge [post]
func (h *AlertsHandler) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	userCtx, _ := auth.GetUserContext(c)

	ok, err := h.manager.Acknowledge(c.Request.Context(), userCtx.TenantID, id, userCtx.ActorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "确认失败: " + err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "告警不存在"})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "告警已确认"})
}

// GetStatistics 获取告警统计
// @Summary 获取当前租户的告警统计
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/alerts/statistics [get]
func (h *AlertsHandler) GetStatistics(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	stats, err := h.manager.GetStatistics(c.Request.Context(), userCtx.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "统计失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: stats})
}

// TriggerScan 触发一次安全扫描
// @Summary 对当前租户立即执行异常检测
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/alerts/scan [post]
func (h *AlertsHandler) TriggerScan(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	created, err := h.monitor.Scan(c.Request.Context(), userCtx.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "扫描失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"alerts_raised": created}})
}

// TriggerScanAll 触发全租户安全扫描
// @Summary 入队一次覆盖所有租户的异步扫描
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/alerts/scan/all [post]
func (h *AlertsHandler) TriggerScanAll(c *gin.Context) {
	if h.queueClient == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务队列未启用"})
		return
	}

	// 空租户标识由任务处理器展开为所有租户
	if err := h.queueClient.EnqueueSecurityScan(""); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "扫描任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "全租户扫描任务已入队"})
}

// GetSecurityMetrics 获取安全指标报告
// @Summary 生成时间范围内的安全指标聚合
// @Tags Alerts
// @Security BearerAuth
// @Produce json
// @Param start query string false "起始时间 (RFC3339)，默认 24 小时前"
// @Param end query string false "结束时间 (RFC3339)，默认当前时间"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/security/metrics [get]
func (h *AlertsHandler) GetSecurityMetrics(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "无效的起始时间: " + raw})
			return
		}
		start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "无效的结束时间: " + raw})
			return
		}
		end = t
	}
	if !start.Before(end) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "起始时间必须早于结束时间"})
		return
	}

	report, err := h.monitor.GenerateSecurityMetrics(c.Request.Context(), userCtx.TenantID, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "生成指标失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: report})
}
