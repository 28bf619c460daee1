package models

import (
	"encoding/json"
	"time"
)

// TetherStatus 纽带状态（状态机：forming → active → {degraded, emergency} → active | terminated）
type TetherStatus string

const (
	StatusForming    TetherStatus = "forming"    // 刚创建，尚未收到首个脉冲
	StatusActive     TetherStatus = "active"     // 正常活跃
	StatusDegraded   TetherStatus = "degraded"   // 连续漏脉冲超过阈值（信息性，非错误）
	StatusEmergency  TetherStatus = "emergency"  // 紧急事件激活中，只能通过显式 resolve 退出
	StatusTerminated TetherStatus = "terminated" // 已终止，保留记录用于历史统计
)

// PulseType 脉冲类型
type PulseType string

const (
	PulseHeartbeat      PulseType = "HEARTBEAT"       // 常规心跳，小幅正向
	PulseCheckIn        PulseType = "CHECK_IN"        // 主动签到，中幅正向
	PulseSupportRequest PulseType = "SUPPORT_REQUEST" // 请求支持，中性到小幅正向
	PulseGratitude      PulseType = "GRATITUDE"       // 感谢反馈，较大正向
	PulseEmergency      PulseType = "EMERGENCY"       // 紧急信号，绕过常规处理
)

// ValidPulseType 校验脉冲类型是否合法
func ValidPulseType(t PulseType) bool {
	switch t {
	case PulseHeartbeat, PulseCheckIn, PulseSupportRequest, PulseGratitude, PulseEmergency:
		return true
	}
	return false
}

// UrgencyLevel 紧急程度
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "LOW"      // severity 1-3
	UrgencyMedium   UrgencyLevel = "MEDIUM"   // severity 4-6
	UrgencyHigh     UrgencyLevel = "HIGH"     // severity 7-8
	UrgencyCritical UrgencyLevel = "CRITICAL" // severity 9-10
)

// ValidUrgencyLevel 校验紧急程度是否合法
func ValidUrgencyLevel(u UrgencyLevel) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// DataSharingLevel 数据共享级别
type DataSharingLevel string

const (
	SharingMinimal  DataSharingLevel = "MINIMAL"
	SharingStandard DataSharingLevel = "STANDARD"
	SharingFull     DataSharingLevel = "FULL"
)

// TetherLink 纽带实体（对应 tether_links 表）
// seeker/supporter/matching_score/established 创建后不可变
type TetherLink struct {
	TetherID            string                `json:"tether_id" db:"tether_id"`
	SeekerID            string                `json:"seeker_id" db:"seeker_id"`
	SupporterID         string                `json:"supporter_id" db:"supporter_id"`
	Status              TetherStatus          `json:"status" db:"status"`
	Strength            float64               `json:"strength" db:"strength"`             // [0,1]
	TrustScore          float64               `json:"trust_score" db:"trust_score"`       // [0,1]，慢变量
	MatchingScore       float64               `json:"matching_score" db:"matching_score"` // [0,1]，创建时快照
	Established         time.Time             `json:"established" db:"established"`
	LastActivity        time.Time             `json:"last_activity" db:"last_activity"`
	LastPulse           *time.Time            `json:"last_pulse,omitempty" db:"last_pulse"`
	LastEmergency       *time.Time            `json:"last_emergency,omitempty" db:"last_emergency"`
	EmergencyResolvedAt *time.Time            `json:"emergency_resolved_at,omitempty" db:"emergency_resolved_at"`
	PulseInterval       int                   `json:"pulse_interval" db:"pulse_interval"` // 秒
	MissedPulses        int                   `json:"missed_pulses" db:"missed_pulses"`
	EmergencyActive     bool                  `json:"emergency_active" db:"emergency_active"`
	EmergencyType       string                `json:"emergency_type,omitempty" db:"emergency_type"` // 与 EmergencyActive 同置同清
	Specialties         []string              `json:"specialties" db:"specialties"`
	Languages           []string              `json:"languages" db:"languages"`
	Timezone            string                `json:"timezone" db:"timezone"`
	DataSharing         DataSharingLevel      `json:"data_sharing" db:"data_sharing"`
	LocationSharing     bool                  `json:"location_sharing" db:"location_sharing"`
	EmergencyContact    bool                  `json:"emergency_contact" db:"emergency_contact"`
	EncryptedMeta       []byte                `json:"encrypted_meta,omitempty" db:"encrypted_meta"` // 不透明字节，引擎不解析
	Compatibility       *CompatibilityResult  `json:"compatibility,omitempty" db:"compatibility"`   // JSONB
	TerminatedAt        *time.Time            `json:"terminated_at,omitempty" db:"terminated_at"`
	TerminateReason     string                `json:"terminate_reason,omitempty" db:"terminate_reason"`
	CreatedAt           time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at" db:"updated_at"`
}

// Clone 返回深拷贝（切片独立），用于对外快照
func (l *TetherLink) Clone() *TetherLink {
	c := *l
	c.Specialties = append([]string(nil), l.Specialties...)
	c.Languages = append([]string(nil), l.Languages...)
	c.EncryptedMeta = append([]byte(nil), l.EncryptedMeta...)
	if l.LastPulse != nil {
		t := *l.LastPulse
		c.LastPulse = &t
	}
	if l.LastEmergency != nil {
		t := *l.LastEmergency
		c.LastEmergency = &t
	}
	if l.EmergencyResolvedAt != nil {
		t := *l.EmergencyResolvedAt
		c.EmergencyResolvedAt = &t
	}
	if l.TerminatedAt != nil {
		t := *l.TerminatedAt
		c.TerminatedAt = &t
	}
	if l.Compatibility != nil {
		cc := *l.Compatibility
		cc.SharedInterests = append([]string(nil), l.Compatibility.SharedInterests...)
		cc.SharedLanguages = append([]string(nil), l.Compatibility.SharedLanguages...)
		c.Compatibility = &cc
	}
	return &c
}

// IsParty 判断用户是否为纽带双方之一
func (l *TetherLink) IsParty(userID string) bool {
	return userID != "" && (userID == l.SeekerID || userID == l.SupporterID)
}

// Clamp01 将数值收敛到 [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CompatibilityResult 兼容性评分结果（创建时计算并冻结）
type CompatibilityResult struct {
	Score              float64  `json:"score"`               // [0,1]，加权总分
	Timezone           float64  `json:"timezone"`            // 时区距离得分
	CommunicationStyle float64  `json:"communication_style"` // 沟通风格匹配
	TopicOverlap       float64  `json:"topic_overlap"`       // 支持话题 Jaccard
	Availability       float64  `json:"availability"`        // 可用时段重叠
	Specialization     float64  `json:"specialization"`      // 专长重叠
	Personality        float64  `json:"personality"`         // 外部信号
	Experience         float64  `json:"experience"`          // 外部信号
	SharedInterests    []string `json:"shared_interests"`
	SharedLanguages    []string `json:"shared_languages"`
}

// PreferenceProfile 偏好配置（显式版本化结构，未识别键保留在 Extra 中不解释）
type PreferenceProfile struct {
	Version             int             `json:"version"`
	CommunicationStyle  string          `json:"communication_style"` // casual / balanced / formal / mixed
	AvailabilityStart   int             `json:"availability_start"`  // 小时 0-23
	AvailabilityEnd     int             `json:"availability_end"`    // 小时 0-23，支持跨午夜
	ResponseExpectation string          `json:"response_expectation,omitempty"`
	SupportTopics       []string        `json:"support_topics"`
	TriggerWarnings     []string        `json:"trigger_warnings"`
	Languages           []string        `json:"languages"`
	Specialties         []string        `json:"specialties"`
	TimezoneOffset      int             `json:"timezone_offset"`              // 相对 UTC 的小时偏移
	PersonalitySignal   float64         `json:"personality_signal,omitempty"` // [0,1]，外部提供
	ExperienceSignal    float64         `json:"experience_signal,omitempty"`  // [0,1]，外部提供
	Extra               json.RawMessage `json:"extra,omitempty"`              // 前向兼容，核心不解释
}
