package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	KMS      KMSConfig      `mapstructure:"kms"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	JWT      JWTConfig      `mapstructure:"jwt"`
}

// JWTConfig 接口认证配置
type JWTConfig struct {
	Secret              string `mapstructure:"secret"` // 来自 APP_JWT_SECRET
	Issuer              string `mapstructure:"issuer"`
	AccessExpiryMinutes int    `mapstructure:"access_expiry_minutes"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
	LogLevel        string `mapstructure:"log_level"`         // SQL 日志级别：silent, error, warn, info，默认 warn
	SlowQueryMs     int    `mapstructure:"slow_query_ms"`     // 慢查询阈值毫秒，默认 200
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"` // 关闭后密钥元数据缓存直接回源数据库
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// LedgerConfig 审计账本配置
// 链密钥只从环境变量 APP_LEDGER_CHAIN_SECRET 读取，进程启动后不可变更。
type LedgerConfig struct {
	ChainSecret     string `mapstructure:"chain_secret"`
	ExportBatchSize int    `mapstructure:"export_batch_size"` // 导出分页大小，默认 500
}

// KMSConfig 密钥管理配置
type KMSConfig struct {
	MasterSecret       string `mapstructure:"master_secret"`        // 软件密码后端主密钥，来自 APP_KMS_MASTER_SECRET
	MetadataCacheTTL   string `mapstructure:"metadata_cache_ttl"`   // 密钥元数据缓存时长，如 "1h"
	RotationSweepCron  string `mapstructure:"rotation_sweep_cron"`  // 到期轮换扫描周期表达式
	DefaultAlgorithm   string `mapstructure:"default_algorithm"`    // 默认 aes-256-gcm
	ExpirySweepEnabled bool   `mapstructure:"expiry_sweep_enabled"` // 是否启用过期密钥清扫
}

// MonitorConfig 安全监测阈值配置
type MonitorConfig struct {
	FailedLoginIPThreshold    int    `mapstructure:"failed_login_ip_threshold"`    // 同一 IP 失败登录阈值，默认 10
	FailedLoginActorThreshold int    `mapstructure:"failed_login_actor_threshold"` // 同一账号失败登录阈值，默认 5
	DataExportThreshold       int    `mapstructure:"data_export_threshold"`        // 数据导出异常阈值，默认 3
	ScanWindowMinutes         int    `mapstructure:"scan_window_minutes"`          // 扫描窗口，默认 15
	ScanCron                  string `mapstructure:"scan_cron"`                    // 周期扫描表达式
}

// AlertingConfig 告警配置
type AlertingConfig struct {
	DeduplicationWindowMs int64 `mapstructure:"deduplication_window_ms"` // 去重窗口，默认 300000
	CorrelationWindowMs   int64 `mapstructure:"correlation_window_ms"`   // 关联窗口，默认 300000
	CorrelationEnabled    bool  `mapstructure:"correlation_enabled"`

	ChatOps  ChatOpsChannelConfig  `mapstructure:"chatops"`
	Paging   PagingChannelConfig   `mapstructure:"paging"`
	Teams    TeamsChannelConfig    `mapstructure:"teams"`
	SMS      SMSChannelConfig      `mapstructure:"sms"`
	Email    EmailChannelConfig    `mapstructure:"email"`
	Webhooks []WebhookTargetConfig `mapstructure:"webhooks"`
}

// ChatOpsChannelConfig 聊天机器人 Webhook 通道配置
type ChatOpsChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// PagingChannelConfig 事件呼叫通道配置
type PagingChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	RoutingKey string `mapstructure:"routing_key"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

// TeamsChannelConfig 团队消息 Webhook 通道配置
type TeamsChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// SMSChannelConfig 短信通道配置（仅 critical 级别发送）
type SMSChannelConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	AccountSID string   `mapstructure:"account_sid"`
	AuthToken  string   `mapstructure:"auth_token"`
	From       string   `mapstructure:"from"`
	To         []string `mapstructure:"to"`
	APIBaseURL string   `mapstructure:"api_base_url"`
}

// EmailChannelConfig 邮件通道配置
type EmailChannelConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password"`
	FromAddress  string   `mapstructure:"from_address"`
	To           []string `mapstructure:"to"`
	CriticalOnly bool     `mapstructure:"critical_only"`
}

// WebhookTargetConfig 通用 Webhook 目标配置
type WebhookTargetConfig struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"` // HMAC 签名密钥，可为空
	Enabled bool   `mapstructure:"enabled"`
}

// WorkerConfig 后台任务配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	globalConfig = &cfg
	return &cfg, nil
}

// applyDefaults 填充未显式配置的阈值与窗口
func applyDefaults(cfg *Config) {
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowQueryMs <= 0 {
		cfg.Database.SlowQueryMs = 200
	}
	if cfg.Ledger.ExportBatchSize <= 0 {
		cfg.Ledger.ExportBatchSize = 500
	}
	if cfg.KMS.MetadataCacheTTL == "" {
		cfg.KMS.MetadataCacheTTL = "1h"
	}
	if cfg.KMS.DefaultAlgorithm == "" {
		cfg.KMS.DefaultAlgorithm = "aes-256-gcm"
	}
	if cfg.Monitor.FailedLoginIPThreshold <= 0 {
		cfg.Monitor.FailedLoginIPThreshold = 10
	}
	if cfg.Monitor.FailedLoginActorThreshold <= 0 {
		cfg.Monitor.FailedLoginActorThreshold = 5
	}
	if cfg.Monitor.DataExportThreshold <= 0 {
		cfg.Monitor.DataExportThreshold = 3
	}
	if cfg.Monitor.ScanWindowMinutes <= 0 {
		cfg.Monitor.ScanWindowMinutes = 15
	}
	if cfg.Alerting.DeduplicationWindowMs <= 0 {
		cfg.Alerting.DeduplicationWindowMs = 300000
	}
	if cfg.Alerting.CorrelationWindowMs <= 0 {
		cfg.Alerting.CorrelationWindowMs = 300000
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 10
	}
	if cfg.KMS.RotationSweepCron == "" {
		cfg.KMS.RotationSweepCron = "0 * * * *" // 每小时整点
	}
	if cfg.Monitor.ScanCron == "" {
		cfg.Monitor.ScanCron = "*/15 * * * *"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "trustcore"
	}
	if cfg.JWT.AccessExpiryMinutes <= 0 {
		cfg.JWT.AccessExpiryMinutes = 120
	}
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr 返回 Redis 连接地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
