package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trustcore/internal/kms"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier 告警通知通道
// 通道可根据告警级别决定跳过，返回 ErrChannelSkipped。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *SecurityAlert) error
}

// ErrChannelSkipped 通道按自身策略跳过本次告警
var ErrChannelSkipped = errors.New("通道跳过本次告警")

// Config 告警管理器配置
type Config struct {
	DeduplicationWindow time.Duration
	CorrelationWindow   time.Duration
	CorrelationEnabled  bool
	DispatchTimeout     time.Duration
}

// Manager 告警管理器
// 负责去重、关联分组、落库与多通道分发。
type Manager struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	cfg       Config
	notifiers []Notifier

	// 时钟，测试中可替换
	now func() time.Time

	// 指纹检查与创建的临界区
	mu sync.Mutex
}

// NewManager 创建告警管理器
func NewManager(db *gorm.DB, l *ledger.Ledger, cfg Config, notifiers ...Notifier) *Manager {
	if cfg.DeduplicationWindow <= 0 {
		cfg.DeduplicationWindow = 5 * time.Minute
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = 5 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	return &Manager{db: db, ledger: l, cfg: cfg, notifiers: notifiers, now: time.Now}
}

// Raise 上报一个告警候选
// 距离最近一次同指纹告警不足一个去重窗口的候选只累加 occurrence_count，
// 不产生新告警也不重复分发。返回的 bool 表示是否创建了新告警。
func (m *Manager) Raise(ctx context.Context, c *Candidate) (*SecurityAlert, bool, error) {
	if c.TenantID == "" {
		return nil, false, ledger.ErrMissingTenant
	}

	fingerprint := c.Fingerprint()
	now := m.now().UTC()

	m.mu.Lock()
	alert, created, err := m.upsertLocked(ctx, c, fingerprint, now)
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	if !created {
		metrics.AlertsDedupedTotal.WithLabelValues(string(c.Type)).Inc()
		return alert, false, nil
	}

	metrics.AlertsRaisedTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	// 每个新告警在账本中留痕
	_, err = m.ledger.Append(ctx, c.TenantID, &ledger.Entry{
		EventType: ledger.EventSecurityAlert,
		ActorID:   c.ActorID,
		IPAddress: c.IPAddress,
		Payload: map[string]interface{}{
			"alert_id": alert.ID,
			"type":     string(alert.Type),
			"severity": string(alert.Severity),
		},
	})
	if err != nil {
		logger.Error("记录告警审计事件失败", zap.Error(err), zap.String("alert_id", alert.ID))
	}

	m.Dispatch(ctx, alert)
	return alert, true, nil
}

func (m *Manager) upsertLocked(ctx context.Context, c *Candidate, fingerprint string, now time.Time) (*SecurityAlert, bool, error) {
	// 滑动窗口：距上一条同指纹告警不足一个窗口即视为重复，
	// 与窗口桶边界无关
	since := now.Add(-m.cfg.DeduplicationWindow)

	var existing SecurityAlert
	err := m.db.WithContext(ctx).
		Where("fingerprint = ? AND created_at >= ?", fingerprint, since).
		Order("created_at DESC").
		First(&existing).Error
	switch {
	case err == nil:
		return m.incrementLocked(ctx, &existing)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 新告警
	default:
		return nil, false, fmt.Errorf("查询告警失败: %w", err)
	}

	alert := &SecurityAlert{
		TenantID:        c.TenantID,
		Type:            c.Type,
		Severity:        c.Severity,
		Description:     c.Description,
		ActorID:         c.ActorID,
		IPAddress:       c.IPAddress,
		Fingerprint:     fingerprint,
		WindowBucket:    now.UnixMilli() / m.cfg.DeduplicationWindow.Milliseconds(),
		OccurrenceCount: 1,
		SourceEventIDs:  c.SourceEventIDs,
		CreatedAt:       now,
	}

	if m.cfg.CorrelationEnabled {
		alert.CorrelationGroupID, alert.Severity = m.correlate(ctx, c, now)
	}

	if err := m.db.WithContext(ctx).Create(alert).Error; err != nil {
		// (fingerprint, window_bucket) 唯一索引兜底跨进程并发：
		// 冲突说明其他进程已在同桶创建，回退为累加
		var fallback SecurityAlert
		lookupErr := m.db.WithContext(ctx).
			Where("fingerprint = ? AND window_bucket = ?", fingerprint, alert.WindowBucket).
			First(&fallback).Error
		if lookupErr != nil {
			return nil, false, fmt.Errorf("写入告警失败: %w", err)
		}
		return m.incrementLocked(ctx, &fallback)
	}
	return alert, true, nil
}

func (m *Manager) incrementLocked(ctx context.Context, existing *SecurityAlert) (*SecurityAlert, bool, error) {
	updates := map[string]interface{}{
		"occurrence_count": gorm.Expr("occurrence_count + 1"),
	}
	if err := m.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
		return nil, false, fmt.Errorf("更新告警出现次数失败: %w", err)
	}
	existing.OccurrenceCount++
	return existing, false, nil
}

// correlate 在关联窗口内寻找共享 actor 或 IP 的告警并归入同组
// 找到无组告警时生成新组并一并赋组。
// 返回组 ID 与组内有效级别：成员与候选级别的最大值。
func (m *Manager) correlate(ctx context.Context, c *Candidate, now time.Time) (string, Severity) {
	if c.ActorID == "" && c.IPAddress == "" {
		return "", c.Severity
	}

	since := now.Add(-m.cfg.CorrelationWindow)
	db := m.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", c.TenantID, since)

	switch {
	case c.ActorID != "" && c.IPAddress != "":
		db = db.Where("actor_id = ? OR ip_address = ?", c.ActorID, c.IPAddress)
	case c.ActorID != "":
		db = db.Where("actor_id = ?", c.ActorID)
	default:
		db = db.Where("ip_address = ?", c.IPAddress)
	}

	var related []*SecurityAlert
	if err := db.Order("created_at DESC").Limit(50).Find(&related).Error; err != nil {
		logger.Warn("查询关联告警失败", zap.Error(err))
		return "", c.Severity
	}
	if len(related) == 0 {
		return "", c.Severity
	}

	groupID := ""
	for _, r := range related {
		if r.CorrelationGroupID != "" {
			groupID = r.CorrelationGroupID
			break
		}
	}
	if groupID == "" {
		groupID = uuid.New().String()
		ids := make([]string, len(related))
		for i, r := range related {
			ids[i] = r.ID
		}
		if err := m.db.WithContext(ctx).Model(&SecurityAlert{}).
			Where("id IN ?", ids).
			Update("correlation_group_id", groupID).Error; err != nil {
			logger.Warn("更新关联分组失败", zap.Error(err))
		}
	}
	return groupID, m.escalateGroup(ctx, groupID, c.Severity)
}

// escalateGroup 把组内有效级别对齐到成员中的最高级别
// 新成员入组后级别低于组内最高者一并升级。
func (m *Manager) escalateGroup(ctx context.Context, groupID string, incoming Severity) Severity {
	var members []*SecurityAlert
	if err := m.db.WithContext(ctx).
		Where("correlation_group_id = ?", groupID).
		Find(&members).Error; err != nil {
		logger.Warn("查询关联组成员失败", zap.Error(err))
		return incoming
	}

	effective := incoming
	for _, r := range members {
		effective = MaxSeverity(effective, r.Severity)
	}

	var escalate []string
	for _, r := range members {
		if r.Severity.Rank() < effective.Rank() {
			escalate = append(escalate, r.ID)
		}
	}
	if len(escalate) > 0 {
		if err := m.db.WithContext(ctx).Model(&SecurityAlert{}).
			Where("id IN ?", escalate).
			Update("severity", effective).Error; err != nil {
			logger.Warn("升级关联组成员级别失败", zap.Error(err))
		}
	}
	return effective
}

// Dispatch 并行分发告警到所有通道
// 单个通道失败只记录日志与指标，不影响其他通道，也不自动重试。
func (m *Manager) Dispatch(ctx context.Context, alert *SecurityAlert) {
	if len(m.notifiers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, n := range m.notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()

			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DispatchTimeout)
			defer cancel()

			err := n.Notify(nctx, alert)
			switch {
			case err == nil:
				metrics.AlertDispatchTotal.WithLabelValues(n.Name(), "ok").Inc()
			case errors.Is(err, ErrChannelSkipped):
				metrics.AlertDispatchTotal.WithLabelValues(n.Name(), "skipped").Inc()
			default:
				metrics.AlertDispatchTotal.WithLabelValues(n.Name(), "error").Inc()
				logger.Error("告警通道分发失败",
					zap.String("channel", n.Name()),
					zap.String("alert_id", alert.ID),
					zap.Error(err),
				)
			}
		}(n)
	}
	wg.Wait()
}

// Acknowledge 确认告警
// 不存在返回 false；重复确认幂等返回 true，不追加第二条审计记录。
func (m *Manager) Acknowledge(ctx context.Context, tenantID, alertID, actorID string) (bool, error) {
	if tenantID == "" {
		return false, ledger.ErrMissingTenant
	}

	var alert SecurityAlert
	err := m.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", alertID, tenantID).
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("查询告警失败: %w", err)
	}

	if alert.Acknowledged {
		return true, nil
	}

	now := time.Now().UTC()
	err = m.db.WithContext(ctx).Model(&alert).Updates(map[string]interface{}{
		"acknowledged":    true,
		"acknowledged_by": actorID,
		"acknowledged_at": now,
	}).Error
	if err != nil {
		return false, fmt.Errorf("确认告警失败: %w", err)
	}

	_, err = m.ledger.Append(ctx, tenantID, &ledger.Entry{
		EventType: ledger.EventAlertAcknowledged,
		ActorID:   actorID,
		Payload: map[string]interface{}{
			"alert_id": alertID,
			"type":     string(alert.Type),
		},
	})
	if err != nil {
		logger.Error("记录告警确认事件失败", zap.Error(err), zap.String("alert_id", alertID))
	}
	return true, nil
}

// GetActiveAlerts 获取未确认告警，可按级别过滤，按严重程度降序
func (m *Manager) GetActiveAlerts(ctx context.Context, tenantID string, severity Severity) ([]*SecurityAlert, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	db := m.db.WithContext(ctx).
		Where("tenant_id = ? AND acknowledged = ?", tenantID, false)
	if severity != "" {
		db = db.Where("severity = ?", severity)
	}

	var alerts []*SecurityAlert
	if err := db.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("查询活跃告警失败: %w", err)
	}

	// 按严重程度降序，同级按时间倒序
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Severity.Rank() != alerts[j].Severity.Rank() {
			return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts, nil
}

// Statistics 告警统计
type Statistics struct {
	Total        int64               `json:"total"`
	Acknowledged int64               `json:"acknowledged"`
	BySeverity   map[Severity]int64  `json:"by_severity"`
	ByType       map[AlertType]int64 `json:"by_type"`
}

// GetStatistics 汇总租户告警统计
func (m *Manager) GetStatistics(ctx context.Context, tenantID string) (*Statistics, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	stats := &Statistics{
		BySeverity: map[Severity]int64{},
		ByType:     map[AlertType]int64{},
	}

	base := m.db.WithContext(ctx).Model(&SecurityAlert{}).Where("tenant_id = ?", tenantID)
	if err := base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("统计告警总数失败: %w", err)
	}
	if err := base.Session(&gorm.Session{}).Where("acknowledged = ?", true).Count(&stats.Acknowledged).Error; err != nil {
		return nil, fmt.Errorf("统计已确认告警失败: %w", err)
	}

	var bySeverity []struct {
		Severity Severity
		Count    int64
	}
	err := m.db.WithContext(ctx).Model(&SecurityAlert{}).
		Select("severity, COUNT(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("severity").
		Find(&bySeverity).Error
	if err != nil {
		return nil, fmt.Errorf("按级别统计告警失败: %w", err)
	}
	for _, row := range bySeverity {
		stats.BySeverity[row.Severity] = row.Count
	}

	var byType []struct {
		Type  AlertType
		Count int64
	}
	err = m.db.WithContext(ctx).Model(&SecurityAlert{}).
		Select("type, COUNT(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("type").
		Find(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("按类型统计告警失败: %w", err)
	}
	for _, row := range byType {
		stats.ByType[row.Type] = row.Count
	}

	return stats, nil
}

// NotifyKeyCompromised 实现 kms.CompromiseNotifier
// 密钥泄露绕过周期扫描，立即以 critical 级别上报。
func (m *Manager) NotifyKeyCompromised(ctx context.Context, meta *kms.KeyMetadata) {
	_, _, err := m.Raise(ctx, &Candidate{
		TenantID:    meta.TenantID,
		Type:        AlertKeyCompromised,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("密钥 %s (用途 %s, 版本 %d) 被标记为泄露", meta.ID, meta.Purpose, meta.Version),
	})
	if err != nil {
		logger.Error("上报密钥泄露告警失败", zap.Error(err), zap.String("key_id", meta.ID))
	}
}

// NotifyChainBroken 审计链校验失败时上报 critical 告警
func (m *Manager) NotifyChainBroken(ctx context.Context, tenantID string, brokenAt uint64) {
	_, _, err := m.Raise(ctx, &Candidate{
		TenantID:    tenantID,
		Type:        AlertChainBroken,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("审计链在高度 %d 处校验失败", brokenAt),
	})
	if err != nil {
		logger.Error("上报断链告警失败", zap.Error(err), zap.String("tenant_id", tenantID))
	}
}
