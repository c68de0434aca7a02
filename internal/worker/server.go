package worker

import (
	"context"

	"trustcore/internal/config"
	"trustcore/internal/kms"
	"trustcore/internal/ledger"
	"trustcore/internal/monitor"
	"trustcore/internal/worker/handlers"
	"trustcore/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	redisCfg config.RedisConfig,
	workerCfg config.WorkerConfig,
	kmsService *kms.Service,
	mon *monitor.Monitor,
	l *ledger.Ledger,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisCfg.Addr(),
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		},
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				"kms":     6, // 密钥维护优先级高
				"monitor": 3,
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册 KMS 处理器
	kmsHandler := handlers.NewKMSHandler(kmsService, logger)
	mux.HandleFunc(tasks.TypeRotationSweep, kmsHandler.HandleRotationSweep)
	mux.HandleFunc(tasks.TypeExpirySweep, kmsHandler.HandleExpirySweep)

	// 注册安全扫描处理器
	monitorHandler := handlers.NewMonitorHandler(mon, l, logger)
	mux.HandleFunc(tasks.TypeSecurityScan, monitorHandler.HandleSecurityScan)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
