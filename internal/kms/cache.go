package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trustcore/internal/logger"
	"trustcore/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MetadataCache 密钥元数据缓存
// Redis 不可用或未配置时所有方法安全降级为直接回源。
type MetadataCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMetadataCache 创建元数据缓存，client 可为 nil
func NewMetadataCache(client *redis.Client, ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MetadataCache{client: client, ttl: ttl}
}

func cacheKey(tenantID, keyID string) string {
	return fmt.Sprintf("trustcore:key_metadata:%s:%s", tenantID, keyID)
}

// Get 读取缓存的元数据，未命中返回 nil
func (c *MetadataCache) Get(ctx context.Context, tenantID, keyID string) *KeyMetadata {
	if c.client == nil {
		return nil
	}

	data, err := c.client.Get(ctx, cacheKey(tenantID, keyID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("读取密钥元数据缓存失败", zap.Error(err))
		}
		metrics.KeyCacheHitsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	var meta KeyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		logger.Warn("解析密钥元数据缓存失败", zap.Error(err))
		metrics.KeyCacheHitsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	metrics.KeyCacheHitsTotal.WithLabelValues("hit").Inc()
	return &meta
}

// Set 写入元数据缓存，失败只记日志
func (c *MetadataCache) Set(ctx context.Context, meta *KeyMetadata) {
	if c.client == nil || meta == nil {
		return
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(meta.TenantID, meta.ID), data, c.ttl).Err(); err != nil {
		logger.Warn("写入密钥元数据缓存失败", zap.Error(err))
	}
}

// Invalidate 失效指定密钥的缓存
func (c *MetadataCache) Invalidate(ctx context.Context, tenantID, keyID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(tenantID, keyID)).Err(); err != nil {
		logger.Warn("失效密钥元数据缓存失败", zap.Error(err))
	}
}

// Ping 检查缓存可用性，未配置时视为可用
func (c *MetadataCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
