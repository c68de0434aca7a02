package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"trustcore/internal/ledger"
	"trustcore/internal/monitor"
	"trustcore/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type MonitorHandler struct {
	monitor *monitor.Monitor
	ledger  *ledger.Ledger
	logger  *zap.Logger
}

func NewMonitorHandler(mon *monitor.Monitor, l *ledger.Ledger, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: mon,
		ledger:  l,
		logger:  logger,
	}
}

// HandleSecurityScan 执行安全扫描
// 载荷未指定租户时扫描账本中出现过的所有租户。
func (h *MonitorHandler) HandleSecurityScan(ctx context.Context, t *asynq.Task) error {
	var p tasks.SecurityScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("解析任务载荷失败: %w", err)
		}
	}

	tenants := []string{p.TenantID}
	if p.TenantID == "" {
		var err error
		tenants, err = h.listTenants(ctx)
		if err != nil {
			h.logger.Error("查询租户列表失败", zap.Error(err))
			return err
		}
	}

	for _, tenantID := range tenants {
		if _, err := h.monitor.Scan(ctx, tenantID); err != nil {
			h.logger.Error("租户安全扫描失败",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			// 单个租户失败不中断整体扫描
		}
	}
	return nil
}

func (h *MonitorHandler) listTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := h.ledger.DB().WithContext(ctx).
		Model(&ledger.AuditRecord{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}
