package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器（纽带快照与统计的旁路缓存）
// 缓存写入尽力而为，权威状态在内存引擎与 PostgreSQL
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// snapshotKey 构建纽带快照键：tether:link:<tether_id>:snapshot
func (c *CacheManager) snapshotKey(tetherID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Tether.Cache.SnapshotKeyPrefix,
		tetherID,
		c.config.Tether.Cache.SnapshotSuffix,
	)
}

// UpdateTetherSnapshot 写入纽带快照
func (c *CacheManager) UpdateTetherSnapshot(ctx context.Context, link *models.TetherLink) error {
	if link == nil {
		return fmt.Errorf("link is required")
	}

	jsonData, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal tether snapshot: %w", err)
	}

	key := c.snapshotKey(link.TetherID)
	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Tether.Cache.SnapshotTTL)*time.Second,
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set tether snapshot: %w", err)
	}

	c.logger.Debug("Updated tether snapshot",
		zap.String("tether_id", link.TetherID),
		zap.String("key", key),
	)

	return nil
}

// GetTetherSnapshot 读取纽带快照
func (c *CacheManager) GetTetherSnapshot(ctx context.Context, tetherID string) (*models.TetherLink, error) {
	key := c.snapshotKey(tetherID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("tether snapshot not found: %s", tetherID)
		}
		return nil, fmt.Errorf("failed to get tether snapshot: %w", err)
	}

	var link models.TetherLink
	if err := json.Unmarshal([]byte(val), &link); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tether snapshot: %w", err)
	}

	return &link, nil
}

// DeleteTetherSnapshot 删除纽带快照（终止时调用）
func (c *CacheManager) DeleteTetherSnapshot(ctx context.Context, tetherID string) error {
	key := c.snapshotKey(tetherID)
	if err := c.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete tether snapshot: %w", err)
	}
	return nil
}

// UpdateStatsCache 写入系统统计缓存
func (c *CacheManager) UpdateStatsCache(ctx context.Context, stats *models.TetherStats) error {
	if stats == nil {
		return fmt.Errorf("stats is required")
	}

	jsonData, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		c.config.Tether.Cache.StatsKey,
		jsonData,
		time.Duration(c.config.Tether.Cache.StatsTTL)*time.Second,
	).Err()

	if err != nil {
		return fmt.Errorf("failed to set stats cache: %w", err)
	}

	return nil
}

// GetStatsCache 读取系统统计缓存
func (c *CacheManager) GetStatsCache(ctx context.Context) (*models.TetherStats, error) {
	val, err := c.redisClient.Get(ctx, c.config.Tether.Cache.StatsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("stats cache not found")
		}
		return nil, fmt.Errorf("failed to get stats cache: %w", err)
	}

	var stats models.TetherStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	return &stats, nil
}
