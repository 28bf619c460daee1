package service

import (
	"context"
	"database/sql"
	"fmt"

	"tether-engine/internal/cache"
	"tether-engine/internal/config"
	"tether-engine/internal/escalation"
	"tether-engine/internal/lifecycle"
	"tether-engine/internal/monitor"
	"tether-engine/internal/notifier"
	"tether-engine/internal/repository"
	"tether-engine/internal/stats"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// TetherService 纽带引擎服务（整合各层）
type TetherService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	linkRepo     *repository.TetherLinkRepository
	eventRepo    *repository.TetherEventRepository
	cacheManager *cache.CacheManager
	alertSink    notifier.Notifier
	manager      *lifecycle.Manager
	escalator    *escalation.Escalator
	pulseMonitor *monitor.PulseMonitor
	aggregator   *stats.Aggregator

	mqttNotifier *notifier.MQTTNotifier
}

// NewTetherService 创建纽带引擎服务
func NewTetherService(cfg *config.Config, logger *zap.Logger) (*TetherService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试数据库连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 测试 Redis 连接
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	linkRepo := repository.NewTetherLinkRepository(db, logger)
	eventRepo := repository.NewTetherEventRepository(db, logger)

	// 4. 创建缓存层
	cacheManager := cache.NewCacheManager(cfg, redisClient, logger)

	// 5. 创建通知出口（未配置 MQTT 时降级为日志通知）
	var alertSink notifier.Notifier
	var mqttNotifier *notifier.MQTTNotifier
	if cfg.MQTT.Broker != "" {
		mqttNotifier, err = notifier.NewMQTTNotifier(cfg, logger)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, fmt.Errorf("failed to create mqtt notifier: %w", err)
		}
		alertSink = mqttNotifier
	} else {
		logger.Warn("MQTT broker not configured, alerts go to log only")
		alertSink = notifier.NewLogNotifier(logger)
	}

	// 6. 创建生命周期管理器与紧急升级层
	manager := lifecycle.NewManager(cfg, linkRepo, eventRepo, cacheManager, nil, logger)
	escalator := escalation.NewEscalator(cfg, manager, eventRepo, alertSink, logger)
	manager.SetEmergencyHandler(escalator)

	// 7. 创建监控与统计
	pulseMonitor := monitor.NewPulseMonitor(cfg, manager, escalator, logger)
	aggregator := stats.NewAggregator(cfg, manager, eventRepo, cacheManager, logger)

	return &TetherService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		linkRepo:     linkRepo,
		eventRepo:    eventRepo,
		cacheManager: cacheManager,
		alertSink:    alertSink,
		manager:      manager,
		escalator:    escalator,
		pulseMonitor: pulseMonitor,
		aggregator:   aggregator,
		mqttNotifier: mqttNotifier,
	}, nil
}

// Manager 暴露生命周期管理器（上层 API/测试接入点）
func (s *TetherService) Manager() *lifecycle.Manager {
	return s.manager
}

// Escalator 暴露紧急升级处理器
func (s *TetherService) Escalator() *escalation.Escalator {
	return s.escalator
}

// Stats 暴露统计聚合器
func (s *TetherService) Stats() *stats.Aggregator {
	return s.aggregator
}

// Start 启动服务：恢复活跃纽带后进入监控循环（阻塞直到 ctx 取消）
func (s *TetherService) Start(ctx context.Context) error {
	s.logger.Info("Starting tether service")

	// 重启恢复：从持久化层加载未终止纽带
	if err := s.manager.LoadActive(ctx); err != nil {
		return fmt.Errorf("failed to load active tethers: %w", err)
	}

	// 启动脉冲监控（轮询模式）
	if err := s.pulseMonitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to run pulse monitor: %w", err)
	}

	return nil
}

// Stop 停止服务
func (s *TetherService) Stop() error {
	s.logger.Info("Stopping tether service")

	if s.mqttNotifier != nil {
		s.mqttNotifier.Close()
	}

	// 关闭数据库连接
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
