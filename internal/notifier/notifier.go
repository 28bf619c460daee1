package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"tether-engine/internal/common/mqtt"
	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"go.uber.org/zap"
)

// Notifier 外部通知协作方
// 投递成功与否不影响引擎状态，调用方异步消费错误
type Notifier interface {
	PublishAlert(ctx context.Context, alert *models.TetherAlert) error
}

// MQTTNotifier 通过 MQTT 下发告警（推送网关在下游订阅）
type MQTTNotifier struct {
	client      *mqtt.Client
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTNotifier 创建并连接 MQTT 通知器
func NewMQTTNotifier(cfg *config.Config, logger *zap.Logger) (*MQTTNotifier, error) {
	client, err := mqtt.NewClient(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mqtt notifier: %w", err)
	}

	return &MQTTNotifier{
		client:      client,
		topicPrefix: cfg.MQTT.TopicPrefix,
		qos:         cfg.MQTT.QoS,
		logger:      logger,
	}, nil
}

// PublishAlert 发布告警到 tether/alert/<tether_id>
func (n *MQTTNotifier) PublishAlert(ctx context.Context, alert *models.TetherAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := n.topicPrefix + alert.TetherID
	if err := n.client.Publish(topic, n.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	n.logger.Debug("Alert published",
		zap.String("topic", topic),
		zap.String("kind", alert.Kind),
	)
	return nil
}

// Close 断开 MQTT 连接
func (n *MQTTNotifier) Close() {
	n.client.Disconnect()
}

// LogNotifier 未配置 MQTT 时的降级实现：告警只进结构化日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// PublishAlert 将告警写入日志
func (n *LogNotifier) PublishAlert(ctx context.Context, alert *models.TetherAlert) error {
	n.logger.Warn("Tether alert",
		zap.String("tether_id", alert.TetherID),
		zap.String("kind", alert.Kind),
		zap.String("emergency_type", alert.EmergencyType),
		zap.String("urgency", string(alert.Urgency)),
		zap.Int("missed_pulses", alert.MissedPulses),
		zap.Float64("strength", alert.Strength),
	)
	return nil
}
