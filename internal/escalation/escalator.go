package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tether-engine/internal/config"
	"tether-engine/internal/lifecycle"
	"tether-engine/internal/models"
	"tether-engine/internal/notifier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 紧急脉冲未携带 urgency 时的保守默认：按最坏情况对待
const defaultPulseSeverity = 9

// EmergencyApplier 生命周期管理器暴露给升级层的状态转换入口
type EmergencyApplier interface {
	TriggerEmergency(ctx context.Context, tetherID, triggerUserID, emergencyType string, urgency models.UrgencyLevel) (*models.TetherLink, bool, error)
	ResolveEmergency(ctx context.Context, tetherID, actorID string) (*models.TetherLink, error)
}

// Escalator 紧急升级处理器
// 状态转换同步完成后才异步下发通知；通知失败不回滚紧急状态
type Escalator struct {
	config   *config.Config
	manager  EmergencyApplier
	events   lifecycle.EventRecorder
	notifier notifier.Notifier
	logger   *zap.Logger
}

// NewEscalator 创建升级处理器
func NewEscalator(
	cfg *config.Config,
	manager EmergencyApplier,
	events lifecycle.EventRecorder,
	n notifier.Notifier,
	logger *zap.Logger,
) *Escalator {
	return &Escalator{
		config:   cfg,
		manager:  manager,
		events:   events,
		notifier: n,
		logger:   logger,
	}
}

// UrgencyFromSeverity severity 1-10 映射到紧急程度
// 1-3 → LOW，4-6 → MEDIUM，7-8 → HIGH，9-10 → CRITICAL
func UrgencyFromSeverity(severity int) models.UrgencyLevel {
	switch {
	case severity <= 3:
		return models.UrgencyLow
	case severity <= 6:
		return models.UrgencyMedium
	case severity <= 8:
		return models.UrgencyHigh
	default:
		return models.UrgencyCritical
	}
}

// Trigger 处理紧急触发
// 同类型重复触发：记录事件但不重复通知；类型变化视为升级并再次通知
func (e *Escalator) Trigger(ctx context.Context, trigger *models.EmergencyTrigger) (*models.TetherLink, error) {
	if trigger == nil {
		return nil, fmt.Errorf("%w: trigger is required", models.ErrValidation)
	}
	if trigger.IncidentType == "" {
		return nil, fmt.Errorf("%w: incident type is required", models.ErrValidation)
	}

	// severity 只要给出就必须在 1-10 区间，与是否显式提供 urgency 无关
	if trigger.Severity != 0 && (trigger.Severity < 1 || trigger.Severity > 10) {
		return nil, models.ErrSeverityOutOfRange
	}

	var urgency models.UrgencyLevel
	if trigger.Urgency != nil {
		if !models.ValidUrgencyLevel(*trigger.Urgency) {
			return nil, fmt.Errorf("%w: unknown urgency level %q", models.ErrValidation, *trigger.Urgency)
		}
		urgency = *trigger.Urgency
	} else {
		if trigger.Severity < 1 || trigger.Severity > 10 {
			return nil, models.ErrSeverityOutOfRange
		}
		urgency = UrgencyFromSeverity(trigger.Severity)
	}

	link, fired, err := e.manager.TriggerEmergency(ctx, trigger.TetherID, trigger.TriggerUserID, trigger.IncidentType, urgency)
	if link == nil {
		return nil, err
	}

	// 触发总是入事件日志，包括幂等短路的重复触发
	e.recordEmergencyEvent(ctx, trigger, urgency, fired)

	if fired {
		alert := &models.TetherAlert{
			TetherID:      link.TetherID,
			Kind:          "emergency",
			EmergencyType: link.EmergencyType,
			Urgency:       urgency,
			Severity:      trigger.Severity,
			Location:      trigger.Location,
			ContactInfo:   trigger.ContactInfo,
			Strength:      link.Strength,
			TriggeredAt:   *link.LastEmergency,
		}
		// 异步下发：下游投递失败不得"取消"紧急状态
		go e.dispatch(alert)
	} else {
		e.logger.Info("Duplicate emergency trigger ignored",
			zap.String("tether_id", trigger.TetherID),
			zap.String("incident_type", trigger.IncidentType),
		)
	}

	// 状态已生效即告警：持久化失败只向调用方透传，不取消通知
	return link, err
}

// Resolve 显式清除紧急状态
func (e *Escalator) Resolve(ctx context.Context, tetherID, actorID string) (*models.TetherLink, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", models.ErrValidation)
	}
	return e.manager.ResolveEmergency(ctx, tetherID, actorID)
}

// HandleEmergencyPulse 实现 lifecycle.EmergencyHandler
// 紧急脉冲转换为触发：无 urgency 时按最坏情况（severity 9）处理
func (e *Escalator) HandleEmergencyPulse(ctx context.Context, tetherID string, pulse *models.PulseEvent) (*models.TetherLink, error) {
	incidentType := "sos"
	if pulse.Status != nil && *pulse.Status != "" {
		incidentType = *pulse.Status
	}

	trigger := &models.EmergencyTrigger{
		TetherID:      tetherID,
		TriggerUserID: pulse.SenderID,
		IncidentType:  incidentType,
		Severity:      defaultPulseSeverity,
		Urgency:       pulse.Urgency,
	}
	return e.Trigger(ctx, trigger)
}

// NotifyDegraded 降级告警下发（监控层在越过阈值时调用一次）
func (e *Escalator) NotifyDegraded(link *models.TetherLink) {
	alert := &models.TetherAlert{
		TetherID:     link.TetherID,
		Kind:         "degraded",
		Urgency:      models.UrgencyLow,
		MissedPulses: link.MissedPulses,
		Strength:     link.Strength,
		TriggeredAt:  link.UpdatedAt,
	}
	go e.dispatch(alert)
}

// dispatch 调用外部通知协作方
func (e *Escalator) dispatch(alert *models.TetherAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.notifier.PublishAlert(ctx, alert); err != nil {
		// 只记录，绝不回滚状态
		e.logger.Error("Failed to dispatch alert",
			zap.String("tether_id", alert.TetherID),
			zap.String("kind", alert.Kind),
			zap.Error(err),
		)
		return
	}

	e.logger.Info("Alert dispatched",
		zap.String("tether_id", alert.TetherID),
		zap.String("kind", alert.Kind),
		zap.String("urgency", string(alert.Urgency)),
	)
}

// recordEmergencyEvent 紧急触发入事件日志（尽力而为）
func (e *Escalator) recordEmergencyEvent(ctx context.Context, trigger *models.EmergencyTrigger, urgency models.UrgencyLevel, fired bool) {
	if e.events == nil {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"severity":     trigger.Severity,
		"fired":        fired,
		"location":     trigger.Location,
		"contact_info": trigger.ContactInfo,
	})

	now := time.Now()
	record := &models.TetherEventRecord{
		EventID:      uuid.New().String(),
		TetherID:     trigger.TetherID,
		Kind:         models.EventKindEmergency,
		EventType:    trigger.IncidentType,
		UrgencyLevel: string(urgency),
		ActorID:      trigger.TriggerUserID,
		OccurredAt:   now,
		Payload:      payload,
		CreatedAt:    now,
	}

	if err := e.events.CreateTetherEvent(ctx, record); err != nil {
		e.logger.Error("Failed to record emergency event",
			zap.String("tether_id", trigger.TetherID),
			zap.Error(err),
		)
	}
}
