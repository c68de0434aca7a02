package monitor

import (
	"context"
	"sort"
	"time"

	"trustcore/internal/ledger"
)

// ActorStats 账号活动统计
type ActorStats struct {
	ActorID      string  `json:"actor_id"`
	TotalEvents  int64   `json:"total_events"`
	FailedLogins int64   `json:"failed_logins"`
	FailureRate  float64 `json:"failure_rate"`
}

// SecurityMetrics 安全指标报告
type SecurityMetrics struct {
	TenantID       string           `json:"tenant_id"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	TotalEvents    int64            `json:"total_events"`
	EventCounts    map[string]int64 `json:"event_counts"`
	HourlyActivity map[string]int64 `json:"hourly_activity"`
	TopActors      []ActorStats     `json:"top_actors"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// GenerateSecurityMetrics 汇总时间区间内的安全指标
// 只读操作，不产生告警，适合周期报表与仪表盘。
func (m *Monitor) GenerateSecurityMetrics(ctx context.Context, tenantID string, start, end time.Time) (*SecurityMetrics, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	records, err := m.fetchAll(ctx, &ledger.QueryFilter{
		TenantID:  tenantID,
		StartTime: &start,
		EndTime:   &end,
	})
	if err != nil {
		return nil, err
	}

	report := &SecurityMetrics{
		TenantID:       tenantID,
		Start:          start,
		End:            end,
		EventCounts:    map[string]int64{},
		HourlyActivity: map[string]int64{},
		GeneratedAt:    time.Now().UTC(),
	}

	type actorAgg struct {
		total  int64
		failed int64
	}
	actors := map[string]*actorAgg{}

	for _, rec := range records {
		report.TotalEvents++
		report.EventCounts[string(rec.EventType)]++
		report.HourlyActivity[rec.Timestamp.UTC().Format("2006-01-02T15:00")]++

		if rec.ActorID == "" {
			continue
		}
		agg, ok := actors[rec.ActorID]
		if !ok {
			agg = &actorAgg{}
			actors[rec.ActorID] = agg
		}
		agg.total++
		if rec.EventType == ledger.EventFailedLogin {
			agg.failed++
		}
	}

	for actorID, agg := range actors {
		stats := ActorStats{
			ActorID:      actorID,
			TotalEvents:  agg.total,
			FailedLogins: agg.failed,
		}
		if agg.total > 0 {
			stats.FailureRate = float64(agg.failed) / float64(agg.total)
		}
		report.TopActors = append(report.TopActors, stats)
	}

	// 失败次数降序，并列时按账号排序保证结果稳定
	sort.Slice(report.TopActors, func(i, j int) bool {
		if report.TopActors[i].FailedLogins != report.TopActors[j].FailedLogins {
			return report.TopActors[i].FailedLogins > report.TopActors[j].FailedLogins
		}
		return report.TopActors[i].ActorID < report.TopActors[j].ActorID
	})
	if len(report.TopActors) > 10 {
		report.TopActors = report.TopActors[:10]
	}

	return report, nil
}
