package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
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

func newTestLimiter(t *testing.T, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 0,
		RequestsPerMinute: 0,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("client-1"), "突发容量内的第 %d 次请求应放行", i+1)
	}
	require.False(t, rl.Allow("client-1"))

	// 不同键互不影响
	require.True(t, rl.Allow("client-2"))
}

func TestRateLimiterPerMinuteCap(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 100,
		RequestsPerMinute: 2,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(rl.Stop)

	require.True(t, rl.Allow("client-1"))
	require.True(t, rl.Allow("client-1"))
	require.False(t, rl.Allow("client-1"))
}

func TestRateLimitMiddlewareAuditsDenial(t *testing.T) {
	gin.SetMode(gin.TestMode)
	require.NoError(t, logger.Init("error", "console", "stderr"))

	dsn := fmt.Sprintf("file:ratelimit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.AuditRecord{}))
	l, err := ledger.New(db, "test-chain-secret")
	require.NoError(t, err)

	rl := newTestLimiter(t, 1)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(auth.UserContextKey), &auth.UserContext{
			ActorID:  "actor-1",
			TenantID: "tenant-a",
		})
		c.Next()
	})
	router.Use(RateLimitMiddleware(rl, l))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	records, total, err := l.Query(context.Background(), &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventRateLimitExceeded},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "actor-1", records[0].ActorID)
	require.Equal(t, "/ping", records[0].Payload["path"])
}
