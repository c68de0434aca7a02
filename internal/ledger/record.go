package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType 审计事件类型（封闭枚举）
type EventType string

const (
	EventKeyGenerated       EventType = "KEY_GENERATED"
	EventKeyRotated         EventType = "KEY_ROTATED"
	EventKeyCompromised     EventType = "KEY_COMPROMISED"
	EventKeyExpired         EventType = "KEY_EXPIRED"
	EventFailedLogin        EventType = "FAILED_LOGIN"
	EventSuccessfulLogin    EventType = "SUCCESSFUL_LOGIN"
	EventUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS"
	EventBruteForceAttempt  EventType = "BRUTE_FORCE_ATTEMPT"
	EventSecurityAlert      EventType = "SECURITY_ALERT"
	EventAlertAcknowledged  EventType = "ALERT_ACKNOWLEDGED"
	EventDataRead           EventType = "DATA_READ"
	EventDataExport         EventType = "DATA_EXPORT"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
)

// Valid 校验事件类型是否在枚举内
func (e EventType) Valid() bool {
	switch e {
	case EventKeyGenerated, EventKeyRotated, EventKeyCompromised, EventKeyExpired,
		EventFailedLogin, EventSuccessfulLogin, EventUnauthorizedAccess,
		EventBruteForceAttempt, EventSecurityAlert, EventAlertAcknowledged,
		EventDataRead, EventDataExport, EventRateLimitExceeded:
		return true
	}
	return false
}

// AuditRecord 审计账本记录
// 每条记录通过 PreviousHash 与前驱相连，RecordHash 由链密钥计算，
// 入库后不可修改、不可删除。
type AuditRecord struct {
	ID           string            `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_ledger_tenant_height,priority:1" json:"tenant_id"`
	EventType    EventType         `gorm:"type:varchar(50);not null;index:idx_ledger_event_type" json:"event_type"`
	ActorID      string            `gorm:"type:varchar(128);index:idx_ledger_actor" json:"actor_id,omitempty"`
	IPAddress    string            `gorm:"type:varchar(100)" json:"ip_address,omitempty"`
	Timestamp    time.Time         `gorm:"not null;index:idx_ledger_timestamp" json:"timestamp"`
	BlockHeight  uint64            `gorm:"not null;uniqueIndex:idx_ledger_tenant_height,priority:2" json:"block_height"`
	PreviousHash string            `gorm:"type:varchar(64);not null" json:"previous_hash"`
	RecordHash   string            `gorm:"type:varchar(64);not null" json:"record_hash"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb" json:"payload,omitempty"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (r *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (AuditRecord) TableName() string {
	return "audit_records"
}

// ChainVerification 链完整性校验结果
type ChainVerification struct {
	TenantID       string    `json:"tenant_id"`
	Valid          bool      `json:"valid"`
	CheckedRecords int64     `json:"checked_records"`
	BrokenAtHeight *uint64   `json:"broken_at_height,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
}
