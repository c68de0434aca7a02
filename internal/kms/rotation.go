package kms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RotationReport 一次到期轮换扫描的结果
type RotationReport struct {
	Scanned    int               `json:"scanned"`
	RotatedIDs []string          `json:"rotated_ids"`
	Failed     map[string]string `json:"failed,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// SweepDueRotations 扫描并轮换所有到期的自动轮换密钥
// 与手工轮换共用密钥粒度锁，同一密钥不会被并发轮换两次。
// 单个密钥失败不中断扫描，失败明细汇总在报告中。
func (s *Service) SweepDueRotations(ctx context.Context) (*RotationReport, error) {
	start := time.Now()
	report := &RotationReport{Failed: map[string]string{}}

	var candidates []*EncryptionKey
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_rotate = ? AND rotation_interval_days > 0", StatusActive, true).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("查询待轮换密钥失败: %w", err)
	}

	now := time.Now().UTC()
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		base := key.CreatedAt
		if key.LastRotatedAt != nil {
			base = *key.LastRotatedAt
		}
		if base.AddDate(0, 0, key.RotationIntervalDays).After(now) {
			continue
		}

		meta, err := s.RotateKey(ctx, key.TenantID, key.ID, "rotation-scheduler")
		if err != nil {
			// 扫描间隙内密钥可能已被手工轮换或标记泄露，跳过即可
			if errors.Is(err, ErrKeyNotActive) || errors.Is(err, ErrKeyAlreadyCompromised) {
				continue
			}
			report.Failed[key.ID] = err.Error()
			logger.Error("自动轮换密钥失败",
				zap.String("tenant_id", key.TenantID),
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
			continue
		}
		report.RotatedIDs = append(report.RotatedIDs, meta.ID)
	}

	report.Duration = time.Since(start)
	logger.Info("到期轮换扫描完成",
		zap.Int("scanned", report.Scanned),
		zap.Int("rotated", len(report.RotatedIDs)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// SweepExpiredKeys 将已过活跃期的密钥置为 expired
// expired 为终态，状态变更与 KEY_EXPIRED 审计记录同事务提交。
func (s *Service) SweepExpiredKeys(ctx context.Context) (int, error) {
	var candidates []*EncryptionKey
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", StatusActive, time.Now().UTC()).
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("查询过期密钥失败: %w", err)
	}

	expired := 0
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		err := func() error {
			unlock := s.lockKey(key.ID)
			defer unlock()

			return s.ledger.Atomic(ctx, key.TenantID, func(tx *gorm.DB, app *ledger.TxAppender) error {
				var current EncryptionKey
				if err := tx.Where("id = ?", key.ID).First(&current).Error; err != nil {
					return err
				}
				if current.Status != StatusActive {
					return nil
				}

				if err := tx.Model(&current).Update("status", StatusExpired).Error; err != nil {
					return fmt.Errorf("更新密钥状态失败: %w", err)
				}

				_, err := app.Append(&ledger.Entry{
					EventType: ledger.EventKeyExpired,
					Payload: map[string]interface{}{
						"key_id":  current.ID,
						"purpose": string(current.Purpose),
						"version": current.Version,
					},
				})
				return err
			})
		}()
		if err != nil {
			logger.Error("标记过期密钥失败",
				zap.String("tenant_id", key.TenantID),
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
			continue
		}

		s.cache.Invalidate(ctx, key.TenantID, key.ID)
		metrics.KeyOperationsTotal.WithLabelValues("expire", "ok").Inc()
		expired++
	}

	return expired, nil
}
