package handlers

import (
	"context"

	"trustcore/internal/kms"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type KMSHandler struct {
	kmsService *kms.Service
	logger     *zap.Logger
}

func NewKMSHandler(kmsService *kms.Service, logger *zap.Logger) *KMSHandler {
	return &KMSHandler{
		kmsService: kmsService,
		logger:     logger,
	}
}

// HandleRotationSweep 执行到期密钥轮换扫描
func (h *KMSHandler) HandleRotationSweep(ctx context.Context, t *asynq.Task) error {
	h.logger.Info("开始到期轮换扫描任务")

	report, err := h.kmsService.SweepDueRotations(ctx)
	if err != nil {
		h.logger.Error("到期轮换扫描失败", zap.Error(err))
		return err
	}

	h.logger.Info("到期轮换扫描任务完成",
		zap.Int("scanned", report.Scanned),
		zap.Int("rotated", len(report.RotatedIDs)),
		zap.Int("failed", len(report.Failed)),
	)
	return nil
}

// HandleExpirySweep 将过期密钥置为终态
func (h *KMSHandler) HandleExpirySweep(ctx context.Context, t *asynq.Task) error {
	expired, err := h.kmsService.SweepExpiredKeys(ctx)
	if err != nil {
		h.logger.Error("过期密钥清扫失败", zap.Error(err))
		return err
	}

	if expired > 0 {
		h.logger.Info("过期密钥清扫完成", zap.Int("expired", expired))
	}
	return nil
}
