package kms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trustcore/internal/ledger"
	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CompromiseNotifier 密钥被标记泄露时接收紧急通知
// 告警路径绕过周期扫描，立即触发。
type CompromiseNotifier interface {
	NotifyKeyCompromised(ctx context.Context, meta *KeyMetadata)
}

// Service 密钥管理服务
// 所有密钥状态变更与对应审计记录在同一事务内提交。
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	backend  CipherBackend
	cache    *MetadataCache
	notifier CompromiseNotifier

	defaultAlgorithm string

	// 密钥粒度互斥锁，轮换与泄露标记串行执行
	keyLocks sync.Map // keyID -> *sync.Mutex
}

// NewService 创建密钥管理服务
// cache 与 notifier 可为 nil。
func NewService(db *gorm.DB, l *ledger.Ledger, backend CipherBackend, cache *MetadataCache, notifier CompromiseNotifier, defaultAlgorithm string) *Service {
	if cache == nil {
		cache = NewMetadataCache(nil, 0)
	}
	if defaultAlgorithm == "" {
		defaultAlgorithm = "aes-256-gcm"
	}
	return &Service{
		db:               db,
		ledger:           l,
		backend:          backend,
		cache:            cache,
		notifier:         notifier,
		defaultAlgorithm: defaultAlgorithm,
	}
}

func (s *Service) lockKey(keyID string) func() {
	v, _ := s.keyLocks.LoadOrStore(keyID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateKeyRequest 创建密钥请求
type CreateKeyRequest struct {
	TenantID             string                 `json:"tenant_id"`
	Purpose              KeyPurpose             `json:"purpose"`
	Algorithm            string                 `json:"algorithm,omitempty"`
	AutoRotate           bool                   `json:"auto_rotate,omitempty"`
	RotationIntervalDays int                    `json:"rotation_interval_days,omitempty"`
	ExpiresAt            *time.Time             `json:"expires_at,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	ActorID              string                 `json:"-"`
}

// CreateKey 创建新密钥并置为活跃
// 同一 (租户, 用途) 此前的活跃密钥在同一事务内被置为 rotated，
// 单活跃密钥不变式在任何时刻成立；版本号在谱系内单调递增。
func (s *Service) CreateKey(ctx context.Context, req *CreateKeyRequest) (*KeyMetadata, error) {
	if req.TenantID == "" {
		return nil, ledger.ErrMissingTenant
	}
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPurpose, req.Purpose)
	}

	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = s.defaultAlgorithm
	}

	wrapped, err := s.backend.Mint(ctx, algorithm)
	if err != nil {
		metrics.KeyOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("生成密钥材料失败: %w", err)
	}

	var created *EncryptionKey
	var superseded *EncryptionKey
	err = s.ledger.Atomic(ctx, req.TenantID, func(tx *gorm.DB, app *ledger.TxAppender) error {
		// 谱系内版本号取当前最大值 + 1
		var maxVersion int
		err := tx.Model(&EncryptionKey{}).
			Where("tenant_id = ? AND purpose = ?", req.TenantID, req.Purpose).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return fmt.Errorf("查询密钥版本失败: %w", err)
		}

		// 取代当前活跃密钥
		var active EncryptionKey
		err = tx.Where("tenant_id = ? AND purpose = ? AND status = ?", req.TenantID, req.Purpose, StatusActive).
			First(&active).Error
		switch {
		case err == nil:
			if err := tx.Model(&active).Update("status", StatusRotated).Error; err != nil {
				return fmt.Errorf("取代旧密钥失败: %w", err)
			}
			superseded = &active
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 全新谱系
		default:
			return fmt.Errorf("查询活跃密钥失败: %w", err)
		}

		created = &EncryptionKey{
			TenantID:             req.TenantID,
			Purpose:              req.Purpose,
			Algorithm:            algorithm,
			Version:              maxVersion + 1,
			Status:               StatusActive,
			WrappedMaterial:      wrapped,
			AutoRotate:           req.AutoRotate,
			RotationIntervalDays: req.RotationIntervalDays,
			ExpiresAt:            req.ExpiresAt,
			Metadata:             req.Metadata,
		}
		if err := tx.Create(created).Error; err != nil {
			return fmt.Errorf("写入密钥失败: %w", err)
		}

		payload := map[string]interface{}{
			"key_id":    created.ID,
			"purpose":   string(created.Purpose),
			"algorithm": created.Algorithm,
			"version":   created.Version,
		}
		if superseded != nil {
			payload["superseded_key_id"] = superseded.ID
		}
		_, err = app.Append(&ledger.Entry{
			EventType: ledger.EventKeyGenerated,
			ActorID:   req.ActorID,
			Payload:   payload,
		})
		return err
	})
	if err != nil {
		metrics.KeyOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	if superseded != nil {
		s.cache.Invalidate(ctx, req.TenantID, superseded.ID)
	}
	meta := metadataView(created)
	s.cache.Set(ctx, meta)
	metrics.KeyOperationsTotal.WithLabelValues("create", "ok").Inc()

	logger.Info("密钥创建完成",
		zap.String("tenant_id", req.TenantID),
		zap.String("key_id", created.ID),
		zap.String("purpose", string(req.Purpose)),
		zap.Int("version", created.Version),
	)
	return meta, nil
}

// GetKeyMetadata 获取密钥元数据，优先命中缓存
// 查询按租户隔离，跨租户查询与不存在同样返回 ErrKeyNotFound。
func (s *Service) GetKeyMetadata(ctx context.Context, tenantID, keyID string) (*KeyMetadata, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	if meta := s.cache.Get(ctx, tenantID, keyID); meta != nil {
		return meta, nil
	}

	var key EncryptionKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("查询密钥失败: %w", err)
	}

	meta := metadataView(&key)
	s.cache.Set(ctx, meta)
	return meta, nil
}

// RotateKey 轮换指定密钥
// 仅活跃密钥可轮换；同一密钥的并发轮换被密钥粒度锁串行化，
// 旧版本保留为 rotated 以支持历史数据解密。
func (s *Service) RotateKey(ctx context.Context, tenantID, keyID, actorID string) (*KeyMetadata, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	unlock := s.lockKey(keyID)
	defer unlock()

	start := time.Now()

	var rotated *EncryptionKey
	var oldKey EncryptionKey
	err := s.ledger.Atomic(ctx, tenantID, func(tx *gorm.DB, app *ledger.TxAppender) error {
		err := tx.Where("id = ? AND tenant_id = ?", keyID, tenantID).First(&oldKey).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return fmt.Errorf("查询密钥失败: %w", err)
		}

		switch oldKey.Status {
		case StatusActive:
			// 可轮换
		case StatusCompromised:
			return ErrKeyAlreadyCompromised
		default:
			return ErrKeyNotActive
		}

		wrapped, err := s.backend.Mint(ctx, oldKey.Algorithm)
		if err != nil {
			return fmt.Errorf("生成密钥材料失败: %w", err)
		}

		now := time.Now().UTC()
		rotated = &EncryptionKey{
			TenantID:             oldKey.TenantID,
			Purpose:              oldKey.Purpose,
			Algorithm:            oldKey.Algorithm,
			Version:              oldKey.Version + 1,
			Status:               StatusActive,
			WrappedMaterial:      wrapped,
			AutoRotate:           oldKey.AutoRotate,
			RotationIntervalDays: oldKey.RotationIntervalDays,
			ExpiresAt:            oldKey.ExpiresAt,
			Metadata:             oldKey.Metadata,
			LastRotatedAt:        &now,
		}
		if err := tx.Create(rotated).Error; err != nil {
			return fmt.Errorf("写入新版本密钥失败: %w", err)
		}

		if err := tx.Model(&oldKey).Update("status", StatusRotated).Error; err != nil {
			return fmt.Errorf("更新旧密钥状态失败: %w", err)
		}

		_, err = app.Append(&ledger.Entry{
			EventType: ledger.EventKeyRotated,
			ActorID:   actorID,
			Payload: map[string]interface{}{
				"old_key_id": oldKey.ID,
				"new_key_id": rotated.ID,
				"purpose":    string(oldKey.Purpose),
				"version":    rotated.Version,
			},
		})
		return err
	})
	if err != nil {
		metrics.KeyOperationsTotal.WithLabelValues("rotate", "error").Inc()
		return nil, err
	}

	s.cache.Invalidate(ctx, tenantID, keyID)
	meta := metadataView(rotated)
	s.cache.Set(ctx, meta)
	metrics.KeyOperationsTotal.WithLabelValues("rotate", "ok").Inc()
	metrics.KeyRotationDuration.WithLabelValues(string(rotated.Purpose)).Observe(time.Since(start).Seconds())

	logger.Info("密钥轮换完成",
		zap.String("tenant_id", tenantID),
		zap.String("old_key_id", keyID),
		zap.String("new_key_id", rotated.ID),
		zap.Int("version", rotated.Version),
	)
	return meta, nil
}

// CompromiseKey 标记密钥泄露
// 除 expired 外任何状态均可标记，重复标记幂等返回当前元数据；
// 标记成功后立即通过 notifier 触发紧急告警。
func (s *Service) CompromiseKey(ctx context.Context, tenantID, keyID, actorID, reason string) (*KeyMetadata, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	unlock := s.lockKey(keyID)
	defer unlock()

	var key EncryptionKey
	alreadyCompromised := false
	err := s.ledger.Atomic(ctx, tenantID, func(tx *gorm.DB, app *ledger.TxAppender) error {
		err := tx.Where("id = ? AND tenant_id = ?", keyID, tenantID).First(&key).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return fmt.Errorf("查询密钥失败: %w", err)
		}

		switch key.Status {
		case StatusCompromised:
			alreadyCompromised = true
			return nil
		case StatusExpired:
			return ErrKeyExpired
		}

		if err := tx.Model(&key).Update("status", StatusCompromised).Error; err != nil {
			return fmt.Errorf("更新密钥状态失败: %w", err)
		}
		key.Status = StatusCompromised

		_, err = app.Append(&ledger.Entry{
			EventType: ledger.EventKeyCompromised,
			ActorID:   actorID,
			Payload: map[string]interface{}{
				"key_id":  key.ID,
				"purpose": string(key.Purpose),
				"version": key.Version,
				"reason":  reason,
			},
		})
		return err
	})
	if err != nil {
		metrics.KeyOperationsTotal.WithLabelValues("compromise", "error").Inc()
		return nil, err
	}

	s.cache.Invalidate(ctx, tenantID, keyID)
	meta := metadataView(&key)

	if alreadyCompromised {
		return meta, nil
	}

	metrics.KeyOperationsTotal.WithLabelValues("compromise", "ok").Inc()
	logger.Warn("密钥被标记为泄露",
		zap.String("tenant_id", tenantID),
		zap.String("key_id", keyID),
		zap.String("reason", reason),
	)

	if s.notifier != nil {
		s.notifier.NotifyKeyCompromised(ctx, meta)
	}
	return meta, nil
}

// ListKeys 列出租户密钥元数据，可按用途与状态过滤
func (s *Service) ListKeys(ctx context.Context, tenantID string, purpose KeyPurpose, status KeyStatus) ([]*KeyMetadata, error) {
	if tenantID == "" {
		return nil, ledger.ErrMissingTenant
	}

	db := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if purpose != "" {
		if !purpose.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPurpose, purpose)
		}
		db = db.Where("purpose = ?", purpose)
	}
	if status != "" {
		db = db.Where("status = ?", status)
	}

	var keys []*EncryptionKey
	if err := db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("查询密钥列表失败: %w", err)
	}

	metas := make([]*KeyMetadata, len(keys))
	for i, k := range keys {
		metas[i] = metadataView(k)
	}
	return metas, nil
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status     string            `json:"status"` // healthy, degraded, unhealthy
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthCheck 检查密码后端、数据库与缓存可用性
// 永不返回 error，异常体现在结果状态中。
func (s *Service) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     "healthy",
		Components: map[string]string{},
		CheckedAt:  time.Now().UTC(),
	}

	if err := s.backend.Ping(ctx); err != nil {
		status.Components["cipher_backend"] = err.Error()
		status.Status = "unhealthy"
	} else {
		status.Components["cipher_backend"] = "ok"
	}

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		status.Components["database"] = err.Error()
		status.Status = "unhealthy"
	} else {
		status.Components["database"] = "ok"
	}

	if err := s.cache.Ping(ctx); err != nil {
		status.Components["cache"] = err.Error()
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
	} else {
		status.Components["cache"] = "ok"
	}

	return status
}
