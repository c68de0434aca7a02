package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustcore/internal/auth"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupAuditRouter(t *testing.T) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, logger.Init("error", "console", "stderr"))

	dsn := fmt.Sprintf("file:audit_api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.AuditRecord{}))

	l, err := ledger.New(db, "test-chain-secret")
	require.NoError(t, err)
	exporter := ledger.NewExporter(l, 100)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(auth.UserContextKey), &auth.UserContext{
			ActorID:  "actor-1",
			TenantID: "tenant-a",
			Roles:    []string{"auditor"},
		})
		c.Next()
	})

	h := NewAuditHandler(l, exporter)
	router.POST("/api/audit/records", h.RecordEvent)
	router.POST("/api/audit/records/query", h.QueryRecords)
	router.GET("/api/audit/verify", h.VerifyChain)
	router.POST("/api/audit/export", h.ExportRecords)
	return router, l
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRecordEventEndpoint(t *testing.T) {
	router, l := setupAuditRouter(t)

	w := postJSON(t, router, "/api/audit/records", gin.H{
		"event_type": "SUCCESSFUL_LOGIN",
		"payload":    gin.H{"method": "password"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Data struct {
			BlockHeight uint64 `json:"block_height"`
			RecordHash  string `json:"record_hash"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, uint64(1), resp.Data.BlockHeight)
	require.NotEmpty(t, resp.Data.RecordHash)

	records, total, err := l.Query(context.Background(), &ledger.QueryFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "actor-1", records[0].ActorID)
}

func TestRecordEventEndpointRejectsUnknownType(t *testing.T) {
	router, _ := setupAuditRouter(t)

	w := postJSON(t, router, "/api/audit/records", gin.H{"event_type": "COFFEE_BREAK"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, router, "/api/audit/records", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryRecordsEndpoint(t *testing.T) {
	router, l := setupAuditRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "tenant-a", &ledger.Entry{EventType: ledger.EventFailedLogin, ActorID: "mallory"})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, "tenant-a", &ledger.Entry{EventType: ledger.EventSuccessfulLogin, ActorID: "alice"})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/audit/records/query", gin.H{
		"event_types": []string{"FAILED_LOGIN"},
		"page":        1,
		"page_size":   2,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items      []json.RawMessage `json:"items"`
		Pagination struct {
			Total     int64 `json:"total"`
			TotalPage int   `json:"total_page"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.Equal(t, int64(3), resp.Pagination.Total)
	require.Equal(t, 2, resp.Pagination.TotalPage)
}

func TestVerifyChainEndpoint(t *testing.T) {
	router, l := setupAuditRouter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "tenant-a", &ledger.Entry{EventType: ledger.EventKeyGenerated, ActorID: "system"})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/audit/verify", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data ledger.ChainVerification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Data.Valid)
	require.Equal(t, int64(5), resp.Data.CheckedRecords)

	// 非法 from_height 参数
	req = httptest.NewRequest(http.MethodGet, "/api/audit/verify?from_height=abc", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportRecordsEndpointCSV(t *testing.T) {
	router, l := setupAuditRouter(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", &ledger.Entry{EventType: ledger.EventSuccessfulLogin, ActorID: "alice"})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/audit/export", gin.H{"format": "csv"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, w.Header().Get("Content-Disposition"), "audit_records.csv")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2, "应包含表头与至少一条记录")
}

func TestExportRecordsEndpointRejectsBadFormat(t *testing.T) {
	router, _ := setupAuditRouter(t)

	w := postJSON(t, router, "/api/audit/export", gin.H{"format": "xml"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
