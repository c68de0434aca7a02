package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"trustcore/internal/config"
	"trustcore/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueRotationSweep() error
	EnqueueExpirySweep() error
	EnqueueSecurityScan(tenantID string) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueRotationSweep() error {
	task := asynq.NewTask(tasks.TypeRotationSweep, nil)

	// 轮换由定时器驱动，失败等下一轮，不重试
	_, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("kms"),
	)
	if err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueExpirySweep() error {
	task := asynq.NewTask(tasks.TypeExpirySweep, nil)

	_, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("kms"),
	)
	if err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueSecurityScan(tenantID string) error {
	payload, err := json.Marshal(tasks.SecurityScanPayload{TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}

	task := asynq.NewTask(tasks.TypeSecurityScan, payload)

	// 扫描结果经告警去重，重复执行无副作用
	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("monitor"),
	)
	if err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
