package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	response "trustcore/api/handlers/common"
	"trustcore/internal/auth"
	"trustcore/internal/ledger"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计账本处理器
type AuditHandler struct {
	ledger   *ledger.Ledger
	exporter *ledger.Exporter
}

// NewAuditHandler 创建审计账本处理器
func NewAuditHandler(l *ledger.Ledger, exporter *ledger.Exporter) *AuditHandler {
	return &AuditHandler{
		ledger:   l,
		exporter: exporter,
	}
}

// RecordEventRequest 追加审计事件请求
type RecordEventRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
}

// RecordEvent 追加审计事件
// @Summary 向当前租户账本追加一条审计记录
// @Tags Audit
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body RecordEventRequest true "事件内容"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/audit/records [post]
func (h *AuditHandler) RecordEvent(c *gin.Context) {
	var req RecordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	userCtx, _ := auth.GetUserContext(c)

	rec, err := h.ledger.Append(c.Request.Context(), userCtx.TenantID, &ledger.Entry{
		EventType: ledger.EventType(req.EventType),
		ActorID:   userCtx.ActorID,
		IPAddress: c.ClientIP(),
		Payload:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidEventType) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "写入审计记录失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: rec})
}

// QueryRecordsRequest 查询审计记录请求
type QueryRecordsRequest struct {
	EventTypes []string `json:"event_types"`
	ActorID    string   `json:"actor_id"`
	IPAddress  string   `json:"ip_address"`
	StartTime  *string  `json:"start_time"` // RFC3339 格式
	EndTime    *string  `json:"end_time"`
	FromHeight *uint64  `json:"from_height"`
	ToHeight   *uint64  `json:"to_height"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
}

// QueryRecords 查询审计记录
// @Summary 查询当前租户的审计记录
// @Tags Audit
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body QueryRecordsRequest true "查询条件"
// @Success 200 {object} response.ListResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/audit/records/query [post]
func (h *AuditHandler) QueryRecords(c *gin.Context) {
	var req QueryRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	userCtx, _ := auth.GetUserContext(c)

	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	filter := &ledger.QueryFilter{
		TenantID:   userCtx.TenantID,
		ActorID:    req.ActorID,
		IPAddress:  req.IPAddress,
		FromHeight: req.FromHeight,
		ToHeight:   req.ToHeight,
		Limit:      req.PageSize,
		Offset:     (req.Page - 1) * req.PageSize,
	}
	for _, et := range req.EventTypes {
		filter.EventTypes = append(filter.EventTypes, ledger.EventType(et))
	}
	if req.StartTime != nil {
		if t, err := time.Parse(time.RFC3339, *req.StartTime); err == nil {
			filter.StartTime = &t
		}
	}
	if req.EndTime != nil {
		if t, err := time.Parse(time.RFC3339, *req.EndTime); err == nil {
			filter.EndTime = &t
		}
	}

	records, total, err := h.ledger.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	totalPage := int(total) / req.PageSize
	if int(total)%req.PageSize > 0 {
		totalPage++
	}

	c.JSON(http.StatusOK, response.ListResponse{
		Items: records,
		Pagination: response.PaginationMeta{
			Page:      req.Page,
			PageSize:  req.PageSize,
			Total:     total,
			TotalPage: totalPage,
		},
	})
}

// VerifyChain 校验账本链完整性
// @Summary 校验当前租户账本的哈希链
// @Tags Audit
// @Security BearerAuth
// @Produce json
// @Param from_height query int false "起始区块高度，默认从头校验"
// @Success 200 {object} response.APIResponse
// @Router /api/audit/verify [get]
func (h *AuditHandler) VerifyChain(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	var fromHeight uint64
	if raw := c.Query("from_height"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "无效的起始高度: " + raw})
			return
		}
		fromHeight = parsed
	}

	result, err := h.ledger.VerifyChain(c.Request.Context(), userCtx.TenantID, fromHeight)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "校验失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: result})
}

// ExportRecordsRequest 导出审计记录请求
type ExportRecordsRequest struct {
	Format     string   `json:"format" binding:"required"` // csv, json
	EventTypes []string `json:"event_types"`
	ActorID    string   `json:"actor_id"`
	StartTime  *string  `json:"start_time"`
	EndTime    *string  `json:"end_time"`
	FromHeight *uint64  `json:"from_height"`
	ToHeight   *uint64  `json:"to_height"`
}

// ExportRecords 导出审计记录
// @Summary 以 CSV 或 JSON 流式导出审计记录
// @Tags Audit
// @Security BearerAuth
// @Accept json
// @Produce json
// @Produce text/csv
// @Param request body ExportRecordsRequest true "导出条件"
// @Success 200 {file} file
// @Failure 400 {object} response.ErrorResponse
// @Router /api/audit/export [post]
func (h *AuditHandler) ExportRecords(c *gin.Context) {
	var req ExportRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	format := ledger.ExportFormat(req.Format)
	if format != ledger.FormatCSV && format != ledger.FormatJSON {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "不支持的导出格式: " + req.Format})
		return
	}

	userCtx, _ := auth.GetUserContext(c)

	filter := &ledger.QueryFilter{
		TenantID:   userCtx.TenantID,
		ActorID:    req.ActorID,
		FromHeight: req.FromHeight,
		ToHeight:   req.ToHeight,
	}
	for _, et := range req.EventTypes {
		filter.EventTypes = append(filter.EventTypes, ledger.EventType(et))
	}
	if req.StartTime != nil {
		if t, err := time.Parse(time.RFC3339, *req.StartTime); err == nil {
			filter.StartTime = &t
		}
	}
	if req.EndTime != nil {
		if t, err := time.Parse(time.RFC3339, *req.EndTime); err == nil {
			filter.EndTime = &t
		}
	}

	contentType := "application/json; charset=utf-8"
	ext := "json"
	if format == ledger.FormatCSV {
		contentType = "text/csv; charset=utf-8"
		ext = "csv"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", "attachment; filename=audit_records."+ext)

	if _, err := h.exporter.Export(c.Request.Context(), c.Writer, format, filter); err != nil {
		// 响应头已写出，只能记录失败原因
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "导出失败: " + err.Error()})
		return
	}
}
