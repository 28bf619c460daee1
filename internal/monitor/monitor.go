package monitor

import (
	"context"
	"time"

	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"go.uber.org/zap"
)

// TetherSweeper 生命周期管理器暴露给监控的记账入口
// 监控只请求变更，不直接改字段
type TetherSweeper interface {
	ActiveTetherIDs() []string
	SweepTether(ctx context.Context, tetherID string, now time.Time) (*models.TetherLink, int, bool, error)
}

// DegradedNotifier 越过降级阈值时的一次性告警出口
type DegradedNotifier interface {
	NotifyDegraded(link *models.TetherLink)
}

// PulseMonitor 脉冲监控（周期扫描所有活跃纽带的静默窗口）
// 扫描对每个纽带单独进入其临界区，不持全局锁衰减
type PulseMonitor struct {
	config   *config.Config
	sweeper  TetherSweeper
	degraded DegradedNotifier
	logger   *zap.Logger
}

// NewPulseMonitor 创建脉冲监控
func NewPulseMonitor(
	cfg *config.Config,
	sweeper TetherSweeper,
	degraded DegradedNotifier,
	logger *zap.Logger,
) *PulseMonitor {
	return &PulseMonitor{
		config:   cfg,
		sweeper:  sweeper,
		degraded: degraded,
		logger:   logger,
	}
}

// Start 启动监控循环（阻塞直到 ctx 取消）
func (m *PulseMonitor) Start(ctx context.Context) error {
	m.logger.Info("Pulse monitor started",
		zap.Int("sweep_interval", m.config.Tether.SweepInterval),
	)

	ticker := time.NewTicker(time.Duration(m.config.Tether.SweepInterval) * time.Second)
	defer ticker.Stop()

	// 立即执行一次
	m.CheckOnce(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Pulse monitor stopped")
			return nil
		case <-ticker.C:
			m.CheckOnce(ctx, time.Now())
		}
	}
}

// CheckOnce 执行一轮扫描：对 id 快照逐个记账
// 单个纽带出错继续处理其余纽带，不中断整轮
func (m *PulseMonitor) CheckOnce(ctx context.Context, now time.Time) {
	ids := m.sweeper.ActiveTetherIDs()

	m.logger.Debug("Sweeping tethers",
		zap.Int("tether_count", len(ids)),
	)

	for _, tetherID := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}

		link, missedApplied, crossedDegraded, err := m.sweeper.SweepTether(ctx, tetherID, now)
		if err != nil {
			m.logger.Error("Failed to sweep tether",
				zap.String("tether_id", tetherID),
				zap.Error(err),
			)
			continue
		}
		if link == nil {
			// 扫描期间被终止，跳过
			continue
		}

		if missedApplied > 0 {
			m.logger.Info("Missed pulse detected",
				zap.String("tether_id", tetherID),
				zap.Int("missed_applied", missedApplied),
				zap.Int("missed_total", link.MissedPulses),
				zap.Float64("strength", link.Strength),
			)
		}

		// 降级阈值只在越过的那一轮通知一次
		if crossedDegraded && m.degraded != nil {
			m.degraded.NotifyDegraded(link)
		}
	}
}
