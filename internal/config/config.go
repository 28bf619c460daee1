package config

import (
	"fmt"
	"os"
	"strings"
)

// Config 纽带引擎配置
type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Broker      string // 为空时禁用 MQTT 通知，降级为日志通知
		ClientID    string
		Username    string
		Password    string
		TopicPrefix string // 告警主题前缀，如 "tether/alert/"
		QoS         byte
	}

	// 纽带引擎特定配置
	Tether struct {
		SweepInterval        int      // 监控扫描间隔（秒），默认 5
		DefaultPulseInterval int      // 默认脉冲间隔（秒），默认 300
		DecayFactor          float64  // 每个漏脉冲窗口的乘性衰减系数，默认 0.85
		HeartbeatDelta       float64  // HEARTBEAT 强度增量
		CheckInDelta         float64  // CHECK_IN 强度增量
		SupportRequestDelta  float64  // SUPPORT_REQUEST 强度增量
		GratitudeDelta       float64  // GRATITUDE 强度增量
		TrustGrowth          float64  // 每个有效脉冲的信任增量（慢于强度增长）
		InitialTrust         float64  // 创建时的信任基线
		DefaultStrength      float64  // 无偏好时的强度基线
		DegradedThreshold    int      // 连续漏脉冲达到该值进入 degraded
		OperatorIDs          []string // 允许 resolve 紧急事件的运维账号

		// Redis 缓存配置
		Cache struct {
			SnapshotKeyPrefix string // 纽带快照键前缀，如 "tether:link:"
			SnapshotSuffix    string // 纽带快照键后缀，如 ":snapshot"
			SnapshotTTL       int    // 快照 TTL（秒）
			StatsKey          string // 统计缓存键
			StatsTTL          int    // 统计 TTL（秒）
		}

		// 统计健康度阈值
		Stats struct {
			CacheTTL               int     // 内存统计缓存（秒）
			DegradedEmergencyRatio float64 // 紧急占比达到该值 → DEGRADED
			CriticalEmergencyRatio float64 // 紧急占比达到该值 → CRITICAL
			DegradedStrength       float64 // 平均强度低于该值 → DEGRADED
			CriticalStrength       float64 // 平均强度低于该值 → CRITICAL
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量覆盖默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "tetherdb")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "tether-engine")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "tether/alert/")
	cfg.MQTT.QoS = 1

	cfg.Tether.SweepInterval = getEnvInt("TETHER_SWEEP_INTERVAL", 5)
	cfg.Tether.DefaultPulseInterval = getEnvInt("TETHER_DEFAULT_PULSE_INTERVAL", 300)
	cfg.Tether.DecayFactor = getEnvFloat("TETHER_DECAY_FACTOR", 0.85)
	cfg.Tether.HeartbeatDelta = getEnvFloat("TETHER_HEARTBEAT_DELTA", 0.01)
	cfg.Tether.CheckInDelta = getEnvFloat("TETHER_CHECKIN_DELTA", 0.03)
	cfg.Tether.SupportRequestDelta = getEnvFloat("TETHER_SUPPORT_REQUEST_DELTA", 0.01)
	cfg.Tether.GratitudeDelta = getEnvFloat("TETHER_GRATITUDE_DELTA", 0.05)
	cfg.Tether.TrustGrowth = getEnvFloat("TETHER_TRUST_GROWTH", 0.005)
	cfg.Tether.InitialTrust = getEnvFloat("TETHER_INITIAL_TRUST", 0.1)
	cfg.Tether.DefaultStrength = getEnvFloat("TETHER_DEFAULT_STRENGTH", 0.5)
	cfg.Tether.DegradedThreshold = getEnvInt("TETHER_DEGRADED_THRESHOLD", 3)
	if ops := getEnv("TETHER_OPERATOR_IDS", ""); ops != "" {
		for _, id := range strings.Split(ops, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Tether.OperatorIDs = append(cfg.Tether.OperatorIDs, id)
			}
		}
	}

	cfg.Tether.Cache.SnapshotKeyPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", "tether:link:")
	cfg.Tether.Cache.SnapshotSuffix = ":snapshot"
	cfg.Tether.Cache.SnapshotTTL = getEnvInt("CACHE_SNAPSHOT_TTL", 60)
	cfg.Tether.Cache.StatsKey = getEnv("CACHE_STATS_KEY", "tether:stats")
	cfg.Tether.Cache.StatsTTL = getEnvInt("CACHE_STATS_TTL", 30)

	cfg.Tether.Stats.CacheTTL = getEnvInt("STATS_CACHE_TTL", 10)
	cfg.Tether.Stats.DegradedEmergencyRatio = getEnvFloat("STATS_DEGRADED_EMERGENCY_RATIO", 0.10)
	cfg.Tether.Stats.CriticalEmergencyRatio = getEnvFloat("STATS_CRITICAL_EMERGENCY_RATIO", 0.25)
	cfg.Tether.Stats.DegradedStrength = getEnvFloat("STATS_DEGRADED_STRENGTH", 0.4)
	cfg.Tether.Stats.CriticalStrength = getEnvFloat("STATS_CRITICAL_STRENGTH", 0.2)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// GetDSN 获取数据库连接字符串
func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Database, c.Database.SSLMode)
}

// IsOperator 判断用户是否为配置的运维账号
func (c *Config) IsOperator(userID string) bool {
	for _, id := range c.Tether.OperatorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%g", &f); err == nil {
			return f
		}
	}
	return defaultValue
}
