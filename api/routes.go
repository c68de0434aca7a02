package api

import (
	alertHandlers "trustcore/api/handlers/alerts"
	auditHandlers "trustcore/api/handlers/audit"
	keyHandlers "trustcore/api/handlers/keys"
	"trustcore/internal/auth"
	"trustcore/internal/config"
	"trustcore/internal/metrics"
	middlewarepkg "trustcore/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Keys   *keyHandlers.KeysHandler
	Audit  *auditHandlers.AuditHandler
	Alerts *alertHandlers.AlertsHandler
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	return &Handlers{
		Keys:   keyHandlers.NewKeysHandler(c.KMSService, c.QueueClient),
		Audit:  auditHandlers.NewAuditHandler(c.Ledger, c.Exporter),
		Alerts: alertHandlers.NewAlertsHandler(c.AlertManager, c.Monitor, c.QueueClient),
	}
}

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *AppContainer, error) {
	gin.SetMode(cfg.Server.Mode)

	container, err := InitContainer(db, cfg)
	if err != nil {
		return nil, nil, err
	}
	handlers := container.InitHandlers()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	// 系统端点（公开）
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/keys/health", handlers.Keys.HealthCheck)

	RegisterRoutes(router, container, handlers)

	return router, container, nil
}

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	api := router.Group("/api")
	api.Use(
		auth.AuthMiddleware(container.JWTService),
		middlewarepkg.RateLimitMiddleware(container.RateLimiter, container.Ledger),
	)

	// 密钥管理
	keysGroup := api.Group("/keys")
	{
		keysGroup.POST("", handlers.Keys.CreateKey)
		keysGroup.GET("", handlers.Keys.ListKeys)
		keysGroup.GET("/:id", handlers.Keys.GetKeyMetadata)
		keysGroup.POST("/:id/rotate", handlers.Keys.RotateKey)
		keysGroup.POST("/:id/compromise", handlers.Keys.CompromiseKey)
		keysGroup.POST("/sweep", auth.RequireRole("admin", "super_admin"), handlers.Keys.TriggerSweep)
	}

	// 审计账本
	auditGroup := api.Group("/audit")
	{
		auditGroup.POST("/records", handlers.Audit.RecordEvent)
		auditGroup.POST("/records/query", handlers.Audit.QueryRecords)
		auditGroup.GET("/verify", handlers.Audit.VerifyChain)
		auditGroup.POST("/export", handlers.Audit.ExportRecords)
	}

	// 安全告警
	alertGroup := api.Group("/alerts")
	{
		alertGroup.GET("/active", handlers.Alerts.GetActiveAlerts)
		alertGroup.POST("/:id/acknowledge", handlers.Alerts.AcknowledgeAlert)
		alertGroup.GET("/statistics", handlers.Alerts.GetStatistics)
		alertGroup.POST("/scan", auth.RequireRole("admin", "super_admin"), handlers.Alerts.TriggerScan)
		alertGroup.POST("/scan/all", auth.RequireRole("admin", "super_admin"), handlers.Alerts.TriggerScanAll)
	}

	// 安全指标
	api.GET("/security/metrics", handlers.Alerts.GetSecurityMetrics)
}
