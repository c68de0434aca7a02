package worker

import (
	"encoding/json"
	"fmt"

	"trustcore/internal/config"
	"trustcore/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Scheduler 周期任务调度器，负责密钥轮换扫描和安全扫描的定时触发
type Scheduler struct {
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

func NewScheduler(redisCfg config.RedisConfig, logger *zap.Logger) *Scheduler {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     redisCfg.Addr(),
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		},
		&asynq.SchedulerOpts{
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					logger.Error("周期任务入队失败", zap.Error(err))
				}
			},
		},
	)

	return &Scheduler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterJobs 注册周期任务
func (s *Scheduler) RegisterJobs(cfg *config.Config) error {
	if _, err := s.scheduler.Register(
		cfg.KMS.RotationSweepCron,
		asynq.NewTask(tasks.TypeRotationSweep, nil),
		asynq.Queue("kms"),
	); err != nil {
		return fmt.Errorf("注册密钥轮换任务失败: %w", err)
	}

	if cfg.KMS.ExpirySweepEnabled {
		if _, err := s.scheduler.Register(
			cfg.KMS.RotationSweepCron,
			asynq.NewTask(tasks.TypeExpirySweep, nil),
			asynq.Queue("kms"),
		); err != nil {
			return fmt.Errorf("注册密钥过期任务失败: %w", err)
		}
	}

	// 空 tenant_id 表示扫描所有租户
	payload, err := json.Marshal(tasks.SecurityScanPayload{})
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}
	if _, err := s.scheduler.Register(
		cfg.Monitor.ScanCron,
		asynq.NewTask(tasks.TypeSecurityScan, payload),
		asynq.Queue("monitor"),
	); err != nil {
		return fmt.Errorf("注册安全扫描任务失败: %w", err)
	}

	return nil
}

// Run 启动调度器（阻塞）
func (s *Scheduler) Run() error {
	s.logger.Info("周期任务调度器启动中...")
	return s.scheduler.Run()
}

// Start 非阻塞启动
func (s *Scheduler) Start() error {
	s.logger.Info("周期任务调度器启动中 (后台)...")
	return s.scheduler.Start()
}

// Shutdown 停止调度器
func (s *Scheduler) Shutdown() {
	s.logger.Info("周期任务调度器停止中...")
	s.scheduler.Shutdown()
}
