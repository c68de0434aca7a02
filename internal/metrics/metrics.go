package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustcore_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 审计账本指标
var (
	// LedgerRecordsTotal 账本追加记录总数
	LedgerRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_ledger_records_total",
			Help: "审计账本追加记录总数",
		},
		[]string{"event_type"},
	)

	// LedgerChainBreaksTotal 链完整性校验失败次数
	LedgerChainBreaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_ledger_chain_breaks_total",
			Help: "审计链完整性校验失败次数",
		},
		[]string{"tenant_id"},
	)

	// LedgerExportsTotal 账本导出次数
	LedgerExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_ledger_exports_total",
			Help: "审计账本导出次数",
		},
		[]string{"format"},
	)

	// LedgerVerifyDuration 链校验耗时（秒）
	LedgerVerifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustcore_ledger_verify_duration_seconds",
			Help:    "审计链校验耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"tenant_id"},
	)
)

// 密钥管理指标
var (
	// KeyOperationsTotal 密钥操作总数
	KeyOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_key_operations_total",
			Help: "密钥操作总数",
		},
		[]string{"operation", "status"}, // operation: create, rotate, compromise, expire
	)

	// KeyRotationDuration 密钥轮换耗时（秒）
	KeyRotationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustcore_key_rotation_duration_seconds",
			Help:    "密钥轮换耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"purpose"},
	)

	// KeyCacheHitsTotal 密钥元数据缓存命中数
	KeyCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_key_cache_hits_total",
			Help: "密钥元数据缓存命中总数",
		},
		[]string{"result"}, // result: hit, miss
	)
)

// 安全监测指标
var (
	// AnomaliesDetectedTotal 检出异常总数
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_anomalies_detected_total",
			Help: "安全扫描检出异常总数",
		},
		[]string{"anomaly_type", "severity"},
	)

	// SecurityScanDuration 安全扫描耗时（秒）
	SecurityScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustcore_security_scan_duration_seconds",
			Help:    "安全扫描耗时分布",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"tenant_id"},
	)
)

// 告警指标
var (
	// AlertsRaisedTotal 产生告警总数
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_alerts_raised_total",
			Help: "产生告警总数",
		},
		[]string{"alert_type", "severity"},
	)

	// AlertsDedupedTotal 去重吸收的告警总数
	AlertsDedupedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_alerts_deduped_total",
			Help: "去重窗口内吸收的重复告警总数",
		},
		[]string{"alert_type"},
	)

	// AlertDispatchTotal 告警通道分发次数
	AlertDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustcore_alert_dispatch_total",
			Help: "告警通道分发次数",
		},
		[]string{"channel", "status"}, // status: ok, error, skipped
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trustcore_build_info",
			Help: "TrustCore 构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
