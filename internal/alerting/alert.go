package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Severity 告警严重级别
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank 返回严重级别排序值，数值越大越严重
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// MaxSeverity 返回两者中较严重的级别
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertType 告警类型
type AlertType string

const (
	AlertBruteForce         AlertType = "BRUTE_FORCE_ATTEMPT"
	AlertUnauthorizedAccess AlertType = "UNAUTHORIZED_ACCESS"
	AlertKeyCompromised     AlertType = "KEY_COMPROMISED"
	AlertChainBroken        AlertType = "CHAIN_INTEGRITY_FAILURE"
)

// SecurityAlert 安全告警
type SecurityAlert struct {
	ID                 string                      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID           string                      `gorm:"type:varchar(64);not null;index:idx_alerts_tenant" json:"tenant_id"`
	Type               AlertType                   `gorm:"type:varchar(50);not null" json:"type"`
	Severity           Severity                    `gorm:"type:varchar(20);not null;index:idx_alerts_severity_ack,priority:1" json:"severity"`
	Description        string                      `gorm:"type:text" json:"description"`
	ActorID            string                      `gorm:"type:varchar(128)" json:"actor_id,omitempty"`
	IPAddress          string                      `gorm:"type:varchar(100)" json:"ip_address,omitempty"`
	Fingerprint        string                      `gorm:"type:varchar(64);not null;uniqueIndex:idx_alerts_fingerprint_bucket,priority:1" json:"fingerprint"`
	WindowBucket       int64                       `gorm:"not null;uniqueIndex:idx_alerts_fingerprint_bucket,priority:2" json:"window_bucket"`
	OccurrenceCount    int                         `gorm:"not null;default:1" json:"occurrence_count"`
	CorrelationGroupID string                      `gorm:"type:uuid;index:idx_alerts_correlation" json:"correlation_group_id,omitempty"`
	SourceEventIDs     datatypes.JSONSlice[string] `json:"source_event_ids,omitempty"`
	Acknowledged       bool                        `gorm:"not null;default:false;index:idx_alerts_severity_ack,priority:2" json:"acknowledged"`
	AcknowledgedBy     string                      `gorm:"type:varchar(128)" json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time                  `json:"acknowledged_at,omitempty"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (a *SecurityAlert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (SecurityAlert) TableName() string {
	return "security_alerts"
}

// Candidate 待上报的告警候选，由检测方构造
type Candidate struct {
	TenantID       string
	Type           AlertType
	Severity       Severity
	Description    string
	ActorID        string
	IPAddress      string
	SourceEventIDs []string
}

// Fingerprint 计算候选的去重指纹：类型与关联维度的稳定哈希
func (c *Candidate) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		c.TenantID, string(c.Type), c.ActorID, c.IPAddress,
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}
