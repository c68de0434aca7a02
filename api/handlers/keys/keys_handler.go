package keys

import (
	"errors"
	"net/http"

	response "trustcore/api/handlers/common"
	"trustcore/internal/auth"
	"trustcore/internal/infra/queue"
	"trustcore/internal/kms"

	"github.com/gin-gonic/gin"
)

// KeysHandler 密钥管理处理器
type KeysHandler struct {
	kmsService  *kms.Service
	queueClient queue.Client
}

// NewKeysHandler 创建密钥管理处理器
// queueClient 为 nil 时后台巡检入口返回 503。
func NewKeysHandler(kmsService *kms.Service, queueClient queue.Client) *KeysHandler {
	return &KeysHandler{
		kmsService:  kmsService,
		queueClient: queueClient,
	}
}

// CreateKeyRequest 创建密钥请求
type CreateKeyRequest struct {
	Purpose              string                 `json:"purpose" binding:"required"` // ENCRYPTION, SIGNING, AUTHENTICATION
	Algorithm            string                 `json:"algorithm"`
	AutoRotate           bool                   `json:"auto_rotate"`
	RotationIntervalDays int                    `json:"rotation_interval_days"`
	Metadata             map[string]interface{} `json:"metadata"`
}

// CreateKey 创建密钥
// @Summary 创建新密钥
// @Tags Keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body CreateKeyRequest true "密钥参数"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/keys [post]
func (h *KeysHandler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	userCtx, _ := auth.GetUserContext(c)

	meta, err := h.kmsService.CreateKey(c.Request.Context(), &kms.CreateKeyRequest{
		TenantID:             userCtx.TenantID,
		Purpose:              kms.KeyPurpose(req.Purpose),
		Algorithm:            req.Algorithm,
		AutoRotate:           req.AutoRotate,
		RotationIntervalDays: req.RotationIntervalDays,
		Metadata:             req.Metadata,
		ActorID:              userCtx.ActorID,
	})
	if err != nil {
		if errors.Is(err, kms.ErrInvalidPurpose) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "创建密钥失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: meta})
}

// GetKeyMetadata 查询密钥元数据
// @Summary 获取密钥元数据
// @Tags Keys
// @Security BearerAuth
// @Produce json
// @Param id path string true "密钥 ID"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/keys/{id} [get]
func (h *KeysHandler) GetKeyMetadata(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "缺少密钥 ID"})
		return
	}

	userCtx, _ := auth.GetUserContext(c)

	meta, err := h.kmsService.GetKeyMetadata(c.Request.Context(), userCtx.TenantID, id)
	if err != nil {
		if errors.Is(err, kms.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "密钥不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: meta})
}

// ListKeys 列出租户密钥
// @Summary 列出当前租户的密钥
// @Tags Keys
// @Security BearerAuth
// @Produce json
// @Param purpose query string false "按用途过滤"
// @Param status query string false "按状态过滤"
// @Success 200 {object} response.APIResponse
// @Router /api/keys [get]
func (h *KeysHandler) ListKeys(c *gin.Context) {
	userCtx, _ := auth.GetUserContext(c)

	purpose := kms.KeyPurpose(c.Query("purpose"))
	status := kms.KeyStatus(c.Query("status"))

	metas, err := h.kmsService.ListKeys(c.Request.Context(), userCtx.TenantID, purpose, status)
	if err != nil {
		if errors.Is(err, kms.ErrInvalidPurpose) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"keys": metas, "total": len(metas)}})
}

// RotateKey 轮换密钥
// @Summary 轮换密钥，生成新版本
// @Tags Keys
// @Security BearerAuth
// @Produce json
// @Param id path string true "密钥 ID"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/keys/{id}/rotate [post]
func (h *KeysHandler) RotateKey(c *gin.Context) {
	id := c.Param("id")
	userCtx, _ := auth.GetUserContext(c)

	meta, err := h.kmsService.RotateKey(c.Request.Context(), userCtx.TenantID, id, userCtx.ActorID)
	if err != nil {
		switch {
		case errors.Is(err, kms.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "密钥不存在"})
		case errors.Is(err, kms.ErrKeyAlreadyCompromised), errors.Is(err, kms.ErrKeyNotActive):
			c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "轮换失败: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: meta})
}

// CompromiseKeyRequest 标记泄露请求
type CompromiseKeyRequest struct {
	Reason string `json:"reason"`
}

// CompromiseKey 标记密钥泄露
// @Summary 标记密钥为已泄露
// @Tags Keys
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "密钥 ID"
// @Param request body CompromiseKeyRequest false "泄露原因"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/keys/{id}/compromise [post]
func (h *KeysHandler) CompromiseKey(c *gin.Context) {
	id := c.Param("id")
	userCtx, _ := auth.GetUserContext(c)

	var req CompromiseKeyRequest
	_ = c.ShouldBindJSON(&req) // 请求体可为空

	meta, err := h.kmsService.CompromiseKey(c.Request.Context(), userCtx.TenantID, id, userCtx.ActorID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, kms.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "密钥不存在"})
		case errors.Is(err, kms.ErrKeyExpired):
			c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "标记失败: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "密钥已标记为泄露", Data: meta})
}

// TriggerSweep 触发一次密钥巡检
// @Summary 立即入队轮换与过期巡检任务
// @Tags Keys
// @Security BearerAuth
// @Produce json
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/keys/sweep [post]
func (h *KeysHandler) TriggerSweep(c *gin.Context) {
	if h.queueClient == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务队列未启用"})
		return
	}

	if err := h.queueClient.EnqueueRotationSweep(); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "轮换巡检入队失败: " + err.Error()})
		return
	}
	if err := h.queueClient.EnqueueExpirySweep(); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "过期巡检入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "巡检任务已入队"})
}

// HealthCheck 子系统健康检查
// @Summary KMS 子系统健康检查
// @Tags Keys
// @Produce json
// @Success 200 {object} kms.HealthStatus
// @Failure 503 {object} kms.HealthStatus
// @Router /api/keys/health [get]
func (h *KeysHandler) HealthCheck(c *gin.Context) {
	status := h.kmsService.HealthCheck(c.Request.Context())

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, status)
}
