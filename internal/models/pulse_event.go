package models

import (
	"encoding/json"
	"time"
)

// PulseEvent 脉冲事件（瞬态，消费一次后仅保留其效果）
type PulseEvent struct {
	Type            PulseType     `json:"type"`
	SenderID        string        `json:"sender_id"`
	StrengthDelta   *float64      `json:"strength_delta,omitempty"` // 可选的显式增量，仍受 [0,1] 收敛约束
	Mood            *string       `json:"mood,omitempty"`
	Status          *string       `json:"status,omitempty"`
	Urgency         *UrgencyLevel `json:"urgency,omitempty"`
	EmergencySignal bool          `json:"emergency_signal,omitempty"` // true 时绕过常规处理走紧急通道
}

// IsEmergency 判断脉冲是否应走紧急通道
func (p *PulseEvent) IsEmergency() bool {
	return p.EmergencySignal || p.Type == PulseEmergency
}

// EmergencyTrigger 紧急触发（瞬态）
// 每个纽带每起事件至多产生一次 active-emergency 转换
type EmergencyTrigger struct {
	TetherID      string        `json:"tether_id"`
	TriggerUserID string        `json:"trigger_user_id"`
	IncidentType  string        `json:"incident_type"`
	Severity      int           `json:"severity"` // 1-10
	Urgency       *UrgencyLevel `json:"urgency,omitempty"` // 显式提供时优先于 severity 推导
	Location      *string       `json:"location,omitempty"`
	ContactInfo   *string       `json:"contact_info,omitempty"`
}

// CreateTetherRequest 创建纽带请求
type CreateTetherRequest struct {
	SeekerID         string             `json:"seeker_id"`
	SupporterID      string             `json:"supporter_id"`
	PulseInterval    int                `json:"pulse_interval,omitempty"` // 秒，0 表示使用默认值
	SeekerPrefs      *PreferenceProfile `json:"seeker_prefs,omitempty"`
	SupporterPrefs   *PreferenceProfile `json:"supporter_prefs,omitempty"`
	Specialties      []string           `json:"specialties,omitempty"`
	Languages        []string           `json:"languages,omitempty"`
	Timezone         string             `json:"timezone,omitempty"`
	DataSharing      DataSharingLevel   `json:"data_sharing,omitempty"`
	LocationSharing  bool               `json:"location_sharing,omitempty"`
	EmergencyContact bool               `json:"emergency_contact,omitempty"`
	EncryptedMeta    []byte             `json:"encrypted_meta,omitempty"` // 不透明透传
}

// TetherUpdate 部分字段更新（管理/恢复流程使用，非常规脉冲路径）
// EmergencyActive 与 EmergencyType 必须成对出现
type TetherUpdate struct {
	Strength        *float64   `json:"strength,omitempty"`
	TrustScore      *float64   `json:"trust_score,omitempty"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	EmergencyActive *bool      `json:"emergency_active,omitempty"`
	EmergencyType   *string    `json:"emergency_type,omitempty"`
	MissedPulses    *int       `json:"missed_pulses,omitempty"`
	PulseInterval   *int       `json:"pulse_interval,omitempty"` // 秒
}

// 事件日志 kind 常量
const (
	EventKindPulse     = "pulse"
	EventKindEmergency = "emergency"
	EventKindLifecycle = "lifecycle"
)

// TetherEventRecord 纽带事件日志（追加式，对应 tether_events 表）
type TetherEventRecord struct {
	EventID      string          `json:"event_id" db:"event_id"`
	TetherID     string          `json:"tether_id" db:"tether_id"`
	Kind         string          `json:"kind" db:"kind"` // pulse / emergency / lifecycle
	EventType    string          `json:"event_type" db:"event_type"`
	UrgencyLevel string          `json:"urgency_level,omitempty" db:"urgency_level"`
	ActorID      string          `json:"actor_id,omitempty" db:"actor_id"`
	OccurredAt   time.Time       `json:"occurred_at" db:"occurred_at"`
	Payload      json.RawMessage `json:"payload" db:"payload"` // JSONB 快照
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TetherAlert 对外通知载荷（发往外部通知协作方）
type TetherAlert struct {
	TetherID      string       `json:"tether_id"`
	Kind          string       `json:"kind"` // emergency / degraded
	EmergencyType string       `json:"emergency_type,omitempty"`
	Urgency       UrgencyLevel `json:"urgency,omitempty"`
	Severity      int          `json:"severity,omitempty"`
	Location      *string      `json:"location,omitempty"`
	ContactInfo   *string      `json:"contact_info,omitempty"`
	MissedPulses  int          `json:"missed_pulses,omitempty"`
	Strength      float64      `json:"strength"`
	TriggeredAt   time.Time    `json:"triggered_at"`
}

// SystemHealth 系统健康度
const (
	HealthHealthy  = "HEALTHY"
	HealthDegraded = "DEGRADED"
	HealthCritical = "CRITICAL"
)

// TetherStats 系统级统计（只读派生视图）
type TetherStats struct {
	TotalTethers     int       `json:"total_tethers"`
	ActiveTethers    int       `json:"active_tethers"` // 非 terminated
	EmergencyTethers int       `json:"emergency_tethers"`
	AverageStrength  float64   `json:"average_strength"` // 活跃纽带均值，无活跃则为 0
	PulsesToday      int       `json:"pulses_today"`
	EmergenciesToday int       `json:"emergencies_today"`
	SystemHealth     string    `json:"system_health"`
	ComputedAt       time.Time `json:"computed_at"`
}
