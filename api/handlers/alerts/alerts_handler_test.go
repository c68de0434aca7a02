package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trustcore/internal/alerting"
	"trustcore/internal/auth"
	"trustcore/internal/config"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type queueRecorder struct {
	scans []string
}

func (q *queueRecorder) EnqueueRotationSweep() error { return nil }
func (q *queueRecorder) EnqueueExpirySweep() error   { return nil }
func (q *queueRecorder) EnqueueSecurityScan(tenantID string) error {
	q.scans = append(q.scans, tenantID)
	return nil
}
func (q *queueRecorder) Close() error { return nil }

func setupAlertsRouter(t *testing.T) (*gin.Engine, *alerting.Manager, *ledger.Ledger, *queueRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, logger.Init("error", "console", "stderr"))

	dsn := fmt.Sprintf("file:alerts_api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.AuditRecord{}, &alerting.SecurityAlert{}))

	l, err := ledger.New(db, "test-chain-secret")
	require.NoError(t, err)

	manager := alerting.NewManager(db, l, alerting.Config{
		DeduplicationWindow: 5 * time.Minute,
	})
	mon := monitor.New(l, manager, config.MonitorConfig{
		FailedLoginIPThreshold:    10,
		FailedLoginActorThreshold: 5,
		DataExportThreshold:       3,
		ScanWindowMinutes:         15,
	})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(auth.UserContextKey), &auth.UserContext{
			ActorID:  "operator-1",
			TenantID: "tenant-a",
			Roles:    []string{"admin"},
		})
		c.Next()
	})

	q := &queueRecorder{}
	h := NewAlertsHandler(manager, mon, q)
	router.GET("/api/alerts/active", h.GetActiveAlerts)
	router.POST("/api/alerts/:id/acknowledge", h.AcknowledgeAlert)
	router.GET("/api/alerts/statistics", h.GetStatistics)
	router.POST("/api/alerts/scan", h.TriggerScan)
	router.POST("/api/alerts/scan/all", h.TriggerScanAll)
	router.GET("/api/security/metrics", h.GetSecurityMetrics)
	return router, manager, l, q
}

func raiseAlert(t *testing.T, manager *alerting.Manager, severity alerting.Severity) *alerting.SecurityAlert {
	t.Helper()
	alert, created, err := manager.Raise(context.Background(), &alerting.Candidate{
		TenantID:    "tenant-a",
		Type:        alerting.AlertBruteForce,
		Severity:    severity,
		Description: "同一 IP 连续登录失败",
		ActorID:     "mallory",
		IPAddress:   "203.0.113.7",
	})
	require.NoError(t, err)
	require.True(t, created)
	return alert
}

func TestGetActiveAlertsEndpoint(t *testing.T) {
	router, manager, _, _ := setupAlertsRouter(t)
	raiseAlert(t, manager, alerting.SeverityCritical)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts/active", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Total int `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Data.Total)
}

func TestGetActiveAlertsEndpointRejectsBadSeverity(t *testing.T) {
	router, _, _, _ := setupAlertsRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts/active?severity=catastrophic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcknowledgeAlertEndpoint(t *testing.T) {
	router, manager, _, _ := setupAlertsRouter(t)
	alert := raiseAlert(t, manager, alerting.SeverityHigh)

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// 重复确认幂等，仍返回 200
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/alerts/"+alert.ID+"/acknowledge", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// 不存在的告警返回 404
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/alerts/no-such-alert/acknowledge", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerScanEndpoint(t *testing.T) {
	router, _, l, _ := setupAlertsRouter(t)
	ctx := context.Background()

	// 同一 IP 连续失败登录超过阈值，扫描应产生告警
	for i := 0; i < 12; i++ {
		_, err := l.Append(ctx, "tenant-a", &ledger.Entry{
			EventType: ledger.EventFailedLogin,
			ActorID:   fmt.Sprintf("user-%d", i),
			IPAddress: "203.0.113.7",
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/scan", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			AlertsRaised int `json:"alerts_raised"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Data.AlertsRaised, 1)
}

func TestTriggerScanAllEnqueuesGlobalScan(t *testing.T) {
	router, _, _, q := setupAlertsRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/scan/all", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []string{""}, q.scans, "空租户标识表示全租户扫描")
}

func TestTriggerScanAllWithoutQueueReturns503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	require.NoError(t, logger.Init("error", "console", "stderr"))

	h := NewAlertsHandler(nil, nil, nil)
	router := gin.New()
	router.POST("/api/alerts/scan/all", h.TriggerScanAll)

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/scan/all", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetStatisticsEndpoint(t *testing.T) {
	router, manager, _, _ := setupAlertsRouter(t)
	raiseAlert(t, manager, alerting.SeverityMedium)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts/statistics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetSecurityMetricsEndpoint(t *testing.T) {
	router, _, l, _ := setupAlertsRouter(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", &ledger.Entry{EventType: ledger.EventSuccessfulLogin, ActorID: "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/security/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// 起始时间晚于结束时间
	req = httptest.NewRequest(http.MethodGet, "/api/security/metrics?start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 非法时间格式
	req = httptest.NewRequest(http.MethodGet, "/api/security/metrics?start=yesterday", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
