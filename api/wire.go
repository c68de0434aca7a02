package api

import (
	"time"

	"trustcore/internal/alerting"
	"trustcore/internal/auth"
	"trustcore/internal/config"
	"trustcore/internal/infra"
	"trustcore/internal/infra/queue"
	"trustcore/internal/kms"
	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/middleware"
	"trustcore/internal/monitor"
	"trustcore/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 应用容器，集中管理所有服务依赖
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	RedisClient *redis.Client
	QueueClient queue.Client

	// 认证
	JWTService *auth.JWTService

	// 核心服务
	Ledger       *ledger.Ledger
	Exporter     *ledger.Exporter
	KMSService   *kms.Service
	AlertManager *alerting.Manager
	Monitor      *monitor.Monitor

	// 限流
	RateLimiter *middleware.RateLimiter

	// 后台任务
	WorkerServer *worker.Server
	Scheduler    *worker.Scheduler
}

// InitContainer 初始化应用容器
func InitContainer(db *gorm.DB, cfg *config.Config) (*AppContainer, error) {
	container := &AppContainer{
		DB:     db,
		Config: cfg,
	}

	if err := container.initRedis(cfg); err != nil {
		return nil, err
	}
	container.initAuth(cfg)

	if err := container.initCoreServices(db, cfg); err != nil {
		return nil, err
	}

	container.initWorker(cfg)

	return container, nil
}

func (c *AppContainer) initRedis(cfg *config.Config) error {
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	if !redisCfg.Enabled {
		logger.Info("Redis 已禁用，任务队列不可用，密钥元数据缓存与令牌黑名单退化为直连数据库")
		return nil
	}
	c.QueueClient = queue.NewClient(redisCfg)

	client, err := infra.InitRedis(&redisCfg)
	if err != nil {
		// Redis 不可用不阻断启动，缓存与黑名单自动降级
		logger.Warn("Redis 连接失败，缓存与令牌黑名单已降级", zap.Error(err))
		return nil
	}
	c.RedisClient = client
	return nil
}

func (c *AppContainer) initAuth(cfg *config.Config) {
	secret := cfg.JWT.Secret
	if secret == "" {
		if cfg.Server.Mode == "release" {
			logger.Fatal("APP_JWT_SECRET 未配置，生产环境禁止使用默认密钥")
		}
		secret = "default_jwt_secret_key_change_in_production"
		logger.Warn("APP_JWT_SECRET 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}

	var redisClient redis.UniversalClient
	if c.RedisClient != nil {
		redisClient = c.RedisClient
	}
	expiry := time.Duration(cfg.JWT.AccessExpiryMinutes) * time.Minute
	c.JWTService = auth.NewJWTService(secret, cfg.JWT.Issuer, expiry, redisClient)
}

func (c *AppContainer) initCoreServices(db *gorm.DB, cfg *config.Config) error {
	l, err := ledger.New(db, cfg.Ledger.ChainSecret)
	if err != nil {
		return err
	}
	c.Ledger = l
	c.Exporter = ledger.NewExporter(l, cfg.Ledger.ExportBatchSize)

	// 告警管理器先于 KMS 构建，作为密钥泄露通知方注入
	alertCfg := alerting.Config{
		DeduplicationWindow: time.Duration(cfg.Alerting.DeduplicationWindowMs) * time.Millisecond,
		CorrelationWindow:   time.Duration(cfg.Alerting.CorrelationWindowMs) * time.Millisecond,
		CorrelationEnabled:  cfg.Alerting.CorrelationEnabled,
	}
	notifiers := alerting.BuildNotifiers(&cfg.Alerting)
	c.AlertManager = alerting.NewManager(db, l, alertCfg, notifiers...)

	// 链校验失败直接升级为 critical 安全告警
	l.SetIntegrityNotifier(c.AlertManager)

	backend, err := kms.NewSoftwareCipherBackend(cfg.KMS.MasterSecret)
	if err != nil {
		return err
	}

	cacheTTL, err := time.ParseDuration(cfg.KMS.MetadataCacheTTL)
	if err != nil {
		logger.Warn("解析密钥缓存 TTL 失败，使用默认值 1h", zap.Error(err))
		cacheTTL = time.Hour
	}
	metadataCache := kms.NewMetadataCache(c.RedisClient, cacheTTL)

	c.KMSService = kms.NewService(db, l, backend, metadataCache, c.AlertManager, cfg.KMS.DefaultAlgorithm)

	c.Monitor = monitor.New(l, c.AlertManager, cfg.Monitor)

	c.RateLimiter = middleware.NewRateLimiter(nil)

	return nil
}

func (c *AppContainer) initWorker(cfg *config.Config) {
	if !cfg.Worker.Enabled {
		logger.Info("后台任务已禁用")
		return
	}
	c.WorkerServer = worker.NewServer(cfg.Redis, cfg.Worker, c.KMSService, c.Monitor, c.Ledger, logger.Get())
	c.Scheduler = worker.NewScheduler(cfg.Redis, logger.Get())
	if err := c.Scheduler.RegisterJobs(cfg); err != nil {
		logger.Error("注册周期任务失败", zap.Error(err))
	}
}
