package kms

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KeyPurpose 密钥用途（封闭枚举）
type KeyPurpose string

const (
	PurposeEncryption     KeyPurpose = "ENCRYPTION"
	PurposeSigning        KeyPurpose = "SIGNING"
	PurposeAuthentication KeyPurpose = "AUTHENTICATION"
)

// Valid 校验用途是否在枚举内
func (p KeyPurpose) Valid() bool {
	switch p {
	case PurposeEncryption, PurposeSigning, PurposeAuthentication:
		return true
	}
	return false
}

// KeyStatus 密钥生命周期状态
type KeyStatus string

const (
	StatusActive      KeyStatus = "active"
	StatusRotated     KeyStatus = "rotated"
	StatusCompromised KeyStatus = "compromised"
	StatusExpired     KeyStatus = "expired"
)

// 服务错误
var (
	ErrKeyNotFound           = errors.New("密钥不存在")
	ErrInvalidPurpose        = errors.New("无效的密钥用途")
	ErrKeyNotActive          = errors.New("密钥不处于活跃状态")
	ErrKeyAlreadyCompromised = errors.New("密钥已标记为泄露")
	ErrKeyExpired            = errors.New("密钥已过期")
)

// EncryptionKey 加密密钥元数据
// 密钥材料由密码后端封装后存储，核心从不落盘明文材料。
type EncryptionKey struct {
	ID                   string            `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID             string            `gorm:"type:varchar(64);not null;index:idx_keys_tenant_purpose,priority:1" json:"tenant_id"`
	Purpose              KeyPurpose        `gorm:"type:varchar(30);not null;index:idx_keys_tenant_purpose,priority:2" json:"purpose"`
	Algorithm            string            `gorm:"type:varchar(30);not null" json:"algorithm"`
	Version              int               `gorm:"not null" json:"version"`
	Status               KeyStatus         `gorm:"type:varchar(20);not null;index:idx_keys_tenant_purpose,priority:3" json:"status"`
	WrappedMaterial      []byte            `gorm:"type:bytea" json:"-"`
	AutoRotate           bool              `gorm:"not null;default:false" json:"auto_rotate"`
	RotationIntervalDays int               `json:"rotation_interval_days,omitempty"`
	LastRotatedAt        *time.Time        `json:"last_rotated_at,omitempty"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (k *EncryptionKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (EncryptionKey) TableName() string {
	return "encryption_keys"
}

// KeyMetadata 对外暴露的密钥元数据视图，不含密钥材料
type KeyMetadata struct {
	ID                   string                 `json:"id"`
	TenantID             string                 `json:"tenant_id"`
	Purpose              KeyPurpose             `json:"purpose"`
	Algorithm            string                 `json:"algorithm"`
	Version              int                    `json:"version"`
	Status               KeyStatus              `json:"status"`
	AutoRotate           bool                   `json:"auto_rotate"`
	RotationIntervalDays int                    `json:"rotation_interval_days,omitempty"`
	LastRotatedAt        *time.Time             `json:"last_rotated_at,omitempty"`
	ExpiresAt            *time.Time             `json:"expires_at,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// metadataView 构造元数据视图
func metadataView(k *EncryptionKey) *KeyMetadata {
	return &KeyMetadata{
		ID:                   k.ID,
		TenantID:             k.TenantID,
		Purpose:              k.Purpose,
		Algorithm:            k.Algorithm,
		Version:              k.Version,
		Status:               k.Status,
		AutoRotate:           k.AutoRotate,
		RotationIntervalDays: k.RotationIntervalDays,
		LastRotatedAt:        k.LastRotatedAt,
		ExpiresAt:            k.ExpiresAt,
		Metadata:             k.Metadata,
		CreatedAt:            k.CreatedAt,
		UpdatedAt:            k.UpdatedAt,
	}
}
