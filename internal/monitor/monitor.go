package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trustcore/internal/alerting"
	"trustcore/internal/config"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"go.uber.org/zap"
)

// AlertRaiser 接收检测结果的告警侧接口
type AlertRaiser interface {
	Raise(ctx context.Context, c *alerting.Candidate) (*alerting.SecurityAlert, bool, error)
}

// Monitor 安全监测服务
// 只读取已提交的账本记录，检测结果交给告警管理器去重与分发。
type Monitor struct {
	ledger *ledger.Ledger
	alerts AlertRaiser
	cfg    config.MonitorConfig
}

// New 创建安全监测服务
func New(l *ledger.Ledger, alerts AlertRaiser, cfg config.MonitorConfig) *Monitor {
	if cfg.FailedLoginIPThreshold <= 0 {
		cfg.FailedLoginIPThreshold = 10
	}
	if cfg.FailedLoginActorThreshold <= 0 {
		cfg.FailedLoginActorThreshold = 5
	}
	if cfg.DataExportThreshold <= 0 {
		cfg.DataExportThreshold = 3
	}
	if cfg.ScanWindowMinutes <= 0 {
		cfg.ScanWindowMinutes = 15
	}
	return &Monitor{ledger: l, alerts: alerts, cfg: cfg}
}

// fetchAll 分页取回窗口内指定类型的全部记录
func (m *Monitor) fetchAll(ctx context.Context, f *ledger.QueryFilter) ([]*ledger.AuditRecord, error) {
	const pageSize = 500
	var all []*ledger.AuditRecord
	offset := 0
	for {
		page := *f
		page.Limit = pageSize
		page.Offset = offset
		records, _, err := m.ledger.Query(ctx, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) < pageSize {
			return all, nil
		}
		offset += pageSize
	}
}

// DetectAnomalies 检测窗口内的安全异常
// 结果只由窗口内的记录与配置阈值决定，同样的输入产出同样的候选。
func (m *Monitor) DetectAnomalies(ctx context.Context, tenantID string, window time.Duration) ([]*alerting.Candidate, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}
	if window <= 0 {
		window = time.Duration(m.cfg.ScanWindowMinutes) * time.Minute
	}
	windowStart := time.Now().UTC().Add(-window)

	var candidates []*alerting.Candidate

	bruteForce, err := m.detectBruteForce(ctx, tenantID, windowStart)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, bruteForce...)

	deviations, err := m.detectBaselineDeviation(ctx, tenantID, windowStart)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, deviations...)

	exfiltration, err := m.detectExportAbuse(ctx, tenantID, windowStart)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, exfiltration...)

	for _, c := range candidates {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
	return candidates, nil
}

// detectBruteForce 失败登录聚集检测
// 同一 IP 达到阈值为 critical，同一账号达到阈值为 high。
func (m *Monitor) detectBruteForce(ctx context.Context, tenantID string, windowStart time.Time) ([]*alerting.Candidate, error) {
	records, err := m.fetchAll(ctx, &ledger.QueryFilter{
		TenantID:   tenantID,
		EventTypes: []ledger.EventType{ledger.EventFailedLogin},
		StartTime:  &windowStart,
	})
	if err != nil {
		return nil, fmt.Errorf("查询失败登录记录失败: %w", err)
	}

	byIP := map[string][]*ledger.AuditRecord{}
	byActor := map[string][]*ledger.AuditRecord{}
	for _, rec := range records {
		if rec.IPAddress != "" {
			byIP[rec.IPAddress] = append(byIP[rec.IPAddress], rec)
		}
		if rec.ActorID != "" {
			byActor[rec.ActorID] = append(byActor[rec.ActorID], rec)
		}
	}

	var candidates []*alerting.Candidate
	for _, ip := range sortedKeys(byIP) {
		hits := byIP[ip]
		if len(hits) < m.cfg.FailedLoginIPThreshold {
			continue
		}
		candidates = append(candidates, &alerting.Candidate{
			TenantID:       tenantID,
			Type:           alerting.AlertBruteForce,
			Severity:       alerting.SeverityCritical,
			Description:    fmt.Sprintf("IP %s 在检测窗口内产生 %d 次失败登录", ip, len(hits)),
			IPAddress:      ip,
			SourceEventIDs: recordIDs(hits),
		})
	}
	for _, actor := range sortedKeys(byActor) {
		hits := byActor[actor]
		if len(hits) < m.cfg.FailedLoginActorThreshold {
			continue
		}
		candidates = append(candidates, &alerting.Candidate{
			TenantID:       tenantID,
			Type:           alerting.AlertBruteForce,
			Severity:       alerting.SeverityHigh,
			Description:    fmt.Sprintf("账号 %s 在检测窗口内产生 %d 次失败登录", actor, len(hits)),
			ActorID:        actor,
			SourceEventIDs: recordIDs(hits),
		})
	}
	return candidates, nil
}

// detectBaselineDeviation 登录来源基线偏离检测
// 账号从历史基线之外的 IP 成功登录视为越权访问嫌疑；
// 没有历史记录的新账号不触发，避免冷启动误报。
func (m *Monitor) detectBaselineDeviation(ctx context.Context, tenantID string, windowStart time.Time) ([]*alerting.Candidate, error) {
	records, err := m.fetchAll(ctx, &ledger.QueryFilter{
		TenantID:   tenantID,
		EventTypes: []ledger.EventType{ledger.EventSuccessfulLogin},
		StartTime:  &windowStart,
	})
	if err != nil {
		return nil, fmt.Errorf("查询成功登录记录失败: %w", err)
	}

	type actorIP struct{ actor, ip string }
	seen := map[actorIP][]*ledger.AuditRecord{}
	for _, rec := range records {
		if rec.ActorID == "" || rec.IPAddress == "" {
			continue
		}
		key := actorIP{rec.ActorID, rec.IPAddress}
		seen[key] = append(seen[key], rec)
	}

	baselines := map[string]map[string]bool{}
	var candidates []*alerting.Candidate
	keys := make([]actorIP, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].actor != keys[j].actor {
			return keys[i].actor < keys[j].actor
		}
		return keys[i].ip < keys[j].ip
	})

	for _, key := range keys {
		baseline, ok := baselines[key.actor]
		if !ok {
			var err error
			baseline, err = m.actorBaseline(ctx, tenantID, key.actor, windowStart)
			if err != nil {
				return nil, err
			}
			baselines[key.actor] = baseline
		}
		if len(baseline) == 0 || baseline[key.ip] {
			continue
		}

		candidates = append(candidates, &alerting.Candidate{
			TenantID:       tenantID,
			Type:           alerting.AlertUnauthorizedAccess,
			Severity:       alerting.SeverityHigh,
			Description:    fmt.Sprintf("账号 %s 从基线之外的 IP %s 登录", key.actor, key.ip),
			ActorID:        key.actor,
			IPAddress:      key.ip,
			SourceEventIDs: recordIDs(seen[key]),
		})
	}
	return candidates, nil
}

// actorBaseline 账号在窗口之前的成功登录来源 IP 集合
func (m *Monitor) actorBaseline(ctx context.Context, tenantID, actorID string, before time.Time) (map[string]bool, error) {
	history, err := m.fetchAll(ctx, &ledger.QueryFilter{
		TenantID:   tenantID,
		ActorID:    actorID,
		EventTypes: []ledger.EventType{ledger.EventSuccessfulLogin},
		EndTime:    &before,
	})
	if err != nil {
		return nil, fmt.Errorf("查询账号历史登录失败: %w", err)
	}

	baseline := map[string]bool{}
	for _, rec := range history {
		if rec.IPAddress != "" {
			baseline[rec.IPAddress] = true
		}
	}
	return baseline, nil
}

// detectExportAbuse 数据导出频次检测
func (m *Monitor) detectExportAbuse(ctx context.Context, tenantID string, windowStart time.Time) ([]*alerting.Candidate, error) {
	records, err := m.fetchAll(ctx, &ledger.QueryFilter{
		TenantID:   tenantID,
		EventTypes: []ledger.EventType{ledger.EventDataExport},
		StartTime:  &windowStart,
	})
	if err != nil {
		return nil, fmt.Errorf("查询数据导出记录失败: %w", err)
	}

	byActor := map[string][]*ledger.AuditRecord{}
	for _, rec := range records {
		if rec.ActorID != "" {
			byActor[rec.ActorID] = append(byActor[rec.ActorID], rec)
		}
	}

	var candidates []*alerting.Candidate
	for _, actor := range sortedKeys(byActor) {
		hits := byActor[actor]
		if len(hits) < m.cfg.DataExportThreshold {
			continue
		}
		candidates = append(candidates, &alerting.Candidate{
			TenantID:       tenantID,
			Type:           alerting.AlertUnauthorizedAccess,
			Severity:       alerting.SeverityHigh,
			Description:    fmt.Sprintf("账号 %s 在检测窗口内导出数据 %d 次，疑似数据外带", actor, len(hits)),
			ActorID:        actor,
			SourceEventIDs: recordIDs(hits),
		})
	}
	return candidates, nil
}

// Scan 执行一次检测并上报全部候选
// 返回新建告警数量；去重窗口吸收的候选不计入。
func (m *Monitor) Scan(ctx context.Context, tenantID string) (int, error) {
	start := time.Now()

	candidates, err := m.DetectAnomalies(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, c := range candidates {
		_, created, err := m.alerts.Raise(ctx, c)
		if err != nil {
			logger.Error("上报检测结果失败",
				zap.String("tenant_id", tenantID),
				zap.String("type", string(c.Type)),
				zap.Error(err),
			)
			continue
		}
		if created {
			raised++
		}
	}

	metrics.SecurityScanDuration.WithLabelValues(tenantID).Observe(time.Since(start).Seconds())
	logger.Info("安全扫描完成",
		zap.String("tenant_id", tenantID),
		zap.Int("candidates", len(candidates)),
		zap.Int("raised", raised),
	)
	return raised, nil
}

func sortedKeys(m map[string][]*ledger.AuditRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func recordIDs(records []*ledger.AuditRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}
