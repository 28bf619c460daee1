package stats

import (
	"context"
	"sync"
	"time"

	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"go.uber.org/zap"
)

// Snapshotter 生命周期管理器暴露的全量快照入口
type Snapshotter interface {
	SnapshotTethers() []models.TetherLink
}

// EventCounter 事件日志的统计计数入口
type EventCounter interface {
	CountEventsSince(ctx context.Context, kind string, since time.Time) (int, error)
}

// StatsCache 对外统计缓存（Redis），尽力而为
type StatsCache interface {
	UpdateStatsCache(ctx context.Context, stats *models.TetherStats) error
}

// Aggregator 系统统计聚合器（只读派生视图）
// 内存短 TTL 缓存避免每次请求全量扫描
type Aggregator struct {
	config      *config.Config
	snapshotter Snapshotter
	events      EventCounter
	cache       StatsCache
	logger      *zap.Logger

	mu         sync.Mutex
	cached     *models.TetherStats
	computedAt time.Time
}

// NewAggregator 创建统计聚合器
func NewAggregator(
	cfg *config.Config,
	snapshotter Snapshotter,
	events EventCounter,
	cache StatsCache,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		config:      cfg,
		snapshotter: snapshotter,
		events:      events,
		cache:       cache,
		logger:      logger,
	}
}

// GetStats 获取系统统计，TTL 内复用上次结果
func (a *Aggregator) GetStats(ctx context.Context) (*models.TetherStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ttl := time.Duration(a.config.Tether.Stats.CacheTTL) * time.Second
	if a.cached != nil && time.Since(a.computedAt) < ttl {
		s := *a.cached
		return &s, nil
	}

	stats := a.compute(ctx, time.Now())

	a.cached = stats
	a.computedAt = time.Now()

	// 外部缓存尽力而为，失败只记录
	if a.cache != nil {
		if err := a.cache.UpdateStatsCache(ctx, stats); err != nil {
			a.logger.Warn("Failed to update stats cache", zap.Error(err))
		}
	}

	s := *stats
	return &s, nil
}

// compute 全量扫描计算统计
func (a *Aggregator) compute(ctx context.Context, now time.Time) *models.TetherStats {
	links := a.snapshotter.SnapshotTethers()

	stats := &models.TetherStats{
		TotalTethers: len(links),
		ComputedAt:   now,
	}

	var strengthSum float64
	for i := range links {
		link := &links[i]
		if link.Status == models.StatusTerminated {
			continue
		}
		stats.ActiveTethers++
		strengthSum += link.Strength
		if link.EmergencyActive {
			stats.EmergencyTethers++
		}
	}

	if stats.ActiveTethers > 0 {
		stats.AverageStrength = strengthSum / float64(stats.ActiveTethers)
	}

	// 当日事件计数来自事件日志（失败不阻塞统计）
	if a.events != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if n, err := a.events.CountEventsSince(ctx, models.EventKindPulse, dayStart); err == nil {
			stats.PulsesToday = n
		} else {
			a.logger.Warn("Failed to count pulse events", zap.Error(err))
		}
		if n, err := a.events.CountEventsSince(ctx, models.EventKindEmergency, dayStart); err == nil {
			stats.EmergenciesToday = n
		} else {
			a.logger.Warn("Failed to count emergency events", zap.Error(err))
		}
	}

	stats.SystemHealth = a.health(stats)
	return stats
}

// health 由紧急占比与平均强度推导系统健康度
// 无活跃纽带视为 HEALTHY（空系统不是故障）
func (a *Aggregator) health(stats *models.TetherStats) string {
	if stats.ActiveTethers == 0 {
		return models.HealthHealthy
	}

	emergencyRatio := float64(stats.EmergencyTethers) / float64(stats.ActiveTethers)
	thresholds := a.config.Tether.Stats

	if emergencyRatio >= thresholds.CriticalEmergencyRatio || stats.AverageStrength < thresholds.CriticalStrength {
		return models.HealthCritical
	}
	if emergencyRatio >= thresholds.DegradedEmergencyRatio || stats.AverageStrength < thresholds.DegradedStrength {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

// Invalidate 清除内存缓存（测试与强制刷新用）
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}
