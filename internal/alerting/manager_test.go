package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trustcore/internal/config"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupAlertingTest(t *testing.T, notifiers ...Notifier) (*Manager, *ledger.Ledger) {
	t.Helper()
	require.NoError(t, logger.Init("error", "console", "stderr"))

	dsn := fmt.Sprintf("file:alerting_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledger.AuditRecord{}, &SecurityAlert{}))

	l, err := ledger.New(db, "test-chain-secret")
	require.NoError(t, err)

	m := NewManager(db, l, Config{
		DeduplicationWindow: 5 * time.Minute,
		CorrelationWindow:   5 * time.Minute,
		CorrelationEnabled:  true,
	}, notifiers...)
	return m, l
}

func TestRaiseCreatesAlertAndAuditRecord(t *testing.T) {
	ctx := context.Background()
	m, l := setupAlertingTest(t)

	alert, created, err := m.Raise(ctx, &Candidate{
		TenantID:    "tenant-a",
		Type:        AlertBruteForce,
		Severity:    SeverityCritical,
		Description: "同一 IP 失败登录超过阈值",
		IPAddress:   "10.0.0.9",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 1, alert.OccurrenceCount)

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventSecurityAlert},
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "新告警应在账本留痕")
	require.Equal(t, alert.ID, records[0].Payload["alert_id"])
}

func TestRaiseDeduplicatesWithinWindow(t *testing.T) {
	ctx := context.Background()

	var dispatches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatches.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := setupAlertingTest(t, NewChatOpsNotifier(config.ChatOpsChannelConfig{
		Enabled:    true,
		WebhookURL: srv.URL,
	}, srv.Client()))

	cand := &Candidate{
		TenantID:    "tenant-a",
		Type:        AlertBruteForce,
		Severity:    SeverityHigh,
		Description: "重复检测",
		ActorID:     "user-1",
	}

	first, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.False(t, created, "窗口内相同指纹不应产生新告警")
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.OccurrenceCount)

	require.Equal(t, int64(1), dispatches.Load(), "去重吸收的告警不应重复分发")
}

func TestRaiseCreatesNewAlertAfterWindowElapsed(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	cand := &Candidate{
		TenantID:    "tenant-a",
		Type:        AlertBruteForce,
		Severity:    SeverityHigh,
		Description: "重复检测",
		ActorID:     "user-1",
	}

	first, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.True(t, created)

	// 窗口边界之内：无论桶如何划分都应去重
	m.now = func() time.Time { return base.Add(4 * time.Minute) }
	second, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// 距最近一次同指纹告警超过一个窗口：应产生新告警
	m.now = func() time.Time { return base.Add(4*time.Minute + 6*time.Minute) }
	third, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.True(t, created, "窗口之外的同指纹候选应成为新告警")
	require.NotEqual(t, first.ID, third.ID)
}

func TestRaiseDeduplicatesAcrossBucketBoundary(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	window := m.cfg.DeduplicationWindow
	// 取一个紧贴桶边界之前的时刻，第二次上报落入下一个桶
	boundary := time.UnixMilli((time.Now().UnixMilli()/window.Milliseconds() + 1) * window.Milliseconds()).UTC()
	m.now = func() time.Time { return boundary.Add(-time.Second) }

	cand := &Candidate{
		TenantID: "tenant-a",
		Type:     AlertBruteForce,
		Severity: SeverityHigh,
		ActorID:  "user-1",
	}

	first, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.True(t, created)

	m.now = func() time.Time { return boundary.Add(time.Second) }
	second, created, err := m.Raise(ctx, cand)
	require.NoError(t, err)
	require.False(t, created, "跨桶边界但间隔小于窗口的候选仍应去重")
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.OccurrenceCount)
}

func TestRaiseDistinguishesDimensions(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	_, created, err := m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityHigh, ActorID: "user-1"})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityHigh, ActorID: "user-2"})
	require.NoError(t, err)
	require.True(t, created, "不同维度的同类告警应各自成条")
}

func TestCorrelationGroupsAlertsSharingDimensions(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	first, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertBruteForce,
		Severity: SeverityHigh, ActorID: "user-1", IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)

	second, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertUnauthorizedAccess,
		Severity: SeverityMedium, IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.CorrelationGroupID, "共享 IP 的告警应归入同组")

	var refreshed SecurityAlert
	require.NoError(t, m.db.Where("id = ?", first.ID).First(&refreshed).Error)
	require.Equal(t, second.CorrelationGroupID, refreshed.CorrelationGroupID)
}

func TestCorrelationEscalatesExistingMembers(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	first, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertUnauthorizedAccess,
		Severity: SeverityMedium, ActorID: "user-1", IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)
	require.Equal(t, SeverityMedium, first.Severity)

	second, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertBruteForce,
		Severity: SeverityCritical, IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.CorrelationGroupID)
	require.Equal(t, SeverityCritical, second.Severity)

	var refreshed SecurityAlert
	require.NoError(t, m.db.Where("id = ?", first.ID).First(&refreshed).Error)
	require.Equal(t, second.CorrelationGroupID, refreshed.CorrelationGroupID)
	require.Equal(t, SeverityCritical, refreshed.Severity, "入组后低级别成员应升级到组内最高级别")
}

func TestCorrelationEscalatesNewMemberToGroupSeverity(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	first, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertBruteForce,
		Severity: SeverityCritical, ActorID: "user-1", IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)

	second, _, err := m.Raise(ctx, &Candidate{
		TenantID: "tenant-a", Type: AlertUnauthorizedAccess,
		Severity: SeverityMedium, IPAddress: "10.0.0.9",
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.CorrelationGroupID)
	require.Equal(t, SeverityCritical, second.Severity, "新成员级别应对齐组内最高级别")

	var refreshed SecurityAlert
	require.NoError(t, m.db.Where("id = ?", first.ID).First(&refreshed).Error)
	require.Equal(t, SeverityCritical, refreshed.Severity)
}

func TestChainBreakRaisesCriticalAlert(t *testing.T) {
	ctx := context.Background()
	m, l := setupAlertingTest(t)
	l.SetIntegrityNotifier(m)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "tenant-a", &ledger.Entry{
			EventType: ledger.EventSuccessfulLogin,
			ActorID:   "user-1",
		})
		require.NoError(t, err)
	}

	// 直改库中哈希，制造篡改
	err := m.db.Model(&ledger.AuditRecord{}).
		Where("tenant_id = ? AND block_height = ?", "tenant-a", uint64(2)).
		Update("record_hash", "0000000000000000000000000000000000000000000000000000000000000000").Error
	require.NoError(t, err)

	result, err := l.VerifyChain(ctx, "tenant-a", 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotNil(t, result.BrokenAtHeight)
	require.Equal(t, uint64(2), *result.BrokenAtHeight)

	alerts, err := m.GetActiveAlerts(ctx, "tenant-a", SeverityCritical)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "断链应产生 critical 告警")
	require.Equal(t, AlertChainBroken, alerts[0].Type)

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventSecurityAlert},
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "断链告警应在账本留痕")
	require.Equal(t, string(AlertChainBroken), records[0].Payload["type"])
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, l := setupAlertingTest(t)

	alert, _, err := m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityHigh, ActorID: "user-1"})
	require.NoError(t, err)

	ok, err := m.Acknowledge(ctx, "tenant-a", alert.ID, "oncall")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acknowledge(ctx, "tenant-a", alert.ID, "oncall")
	require.NoError(t, err)
	require.True(t, ok, "重复确认应幂等返回 true")

	ok, err = m.Acknowledge(ctx, "tenant-a", "no-such-alert", "oncall")
	require.NoError(t, err)
	require.False(t, ok, "不存在的告警返回 false")

	records, _, err := l.Query(ctx, &ledger.QueryFilter{
		TenantID:   "tenant-a",
		EventTypes: []ledger.EventType{ledger.EventAlertAcknowledged},
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "重复确认不应追加第二条审计记录")
}

func TestGetActiveAlertsOrderingAndFilter(t *testing.T) {
	ctx := context.Background()
	m, _ := setupAlertingTest(t)

	low, _, err := m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertUnauthorizedAccess, Severity: SeverityLow, ActorID: "u1"})
	require.NoError(t, err)
	crit, _, err := m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityCritical, ActorID: "u2"})
	require.NoError(t, err)
	_, _, err = m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityHigh, ActorID: "u3"})
	require.NoError(t, err)

	alerts, err := m.GetActiveAlerts(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	require.Equal(t, crit.ID, alerts[0].ID, "critical 应排在最前")

	ok, err := m.Acknowledge(ctx, "tenant-a", low.ID, "oncall")
	require.NoError(t, err)
	require.True(t, ok)

	alerts, err = m.GetActiveAlerts(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Len(t, alerts, 2, "已确认告警不再属于活跃集合")

	alerts, err = m.GetActiveAlerts(ctx, "tenant-a", SeverityCritical)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestDispatchToleratesChannelFailure(t *testing.T) {
	ctx := context.Background()

	var okDeliveries atomic.Int64
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okDeliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	m, _ := setupAlertingTest(t,
		NewTeamsNotifier(config.TeamsChannelConfig{Enabled: true, WebhookURL: failSrv.URL}, failSrv.Client()),
		NewChatOpsNotifier(config.ChatOpsChannelConfig{Enabled: true, WebhookURL: okSrv.URL}, okSrv.Client()),
	)

	_, created, err := m.Raise(ctx, &Candidate{TenantID: "tenant-a", Type: AlertBruteForce, Severity: SeverityCritical, ActorID: "u1"})
	require.NoError(t, err)
	require.True(t, created, "通道失败不应影响告警本身")
	require.Equal(t, int64(1), okDeliveries.Load(), "失败通道不应拖累其他通道")
}

func TestSMSNotifierOnlySendsCritical(t *testing.T) {
	var sent atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := NewSMSNotifier(config.SMSChannelConfig{
		Enabled:    true,
		AccountSID: "AC123",
		AuthToken:  "token",
		From:       "+10000000000",
		To:         []string{"+10000000001"},
		APIBaseURL: srv.URL,
	}, srv.Client())

	err := n.Notify(context.Background(), &SecurityAlert{Severity: SeverityHigh, Type: AlertBruteForce})
	require.ErrorIs(t, err, ErrChannelSkipped, "非 critical 告警应跳过短信")
	require.Zero(t, sent.Load())

	err = n.Notify(context.Background(), &SecurityAlert{Severity: SeverityCritical, Type: AlertBruteForce})
	require.NoError(t, err)
	require.Equal(t, int64(1), sent.Load())
}

func TestWebhookNotifierSignsPayload(t *testing.T) {
	secret := "hook-secret"
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.WebhookTargetConfig{
		Name:    "siem",
		URL:     srv.URL,
		Secret:  secret,
		Enabled: true,
	}, srv.Client())

	err := n.Notify(context.Background(), &SecurityAlert{
		ID:       "alert-1",
		TenantID: "tenant-a",
		Type:     AlertBruteForce,
		Severity: SeverityCritical,
	})
	require.NoError(t, err)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	require.Equal(t, "sha256="+hex.EncodeToString(h.Sum(nil)), gotSignature, "签名应可被接收方复算")
}

func TestDisabledChannelsAreSkipped(t *testing.T) {
	n := NewChatOpsNotifier(config.ChatOpsChannelConfig{Enabled: false}, nil)
	err := n.Notify(context.Background(), &SecurityAlert{Severity: SeverityCritical})
	require.ErrorIs(t, err, ErrChannelSkipped)

	e := NewEmailNotifier(config.EmailChannelConfig{Enabled: true, SMTPHost: "smtp.example.com", To: []string{"x@example.com"}, CriticalOnly: true})
	err = e.Notify(context.Background(), &SecurityAlert{Severity: SeverityLow})
	require.ErrorIs(t, err, ErrChannelSkipped, "criticalOnly 的邮件通道应跳过低级别告警")
}
