package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tether-engine/internal/compat"
	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentityChecker 身份校验协作方（外部系统，nil 表示跳过校验）
type IdentityChecker interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// LinkRepository 持久化协作方（窄 save/load 契约）
type LinkRepository interface {
	UpsertTetherLink(ctx context.Context, link *models.TetherLink) error
	ListActiveTetherLinks(ctx context.Context) ([]*models.TetherLink, error)
}

// EventRecorder 追加式事件日志协作方
type EventRecorder interface {
	CreateTetherEvent(ctx context.Context, record *models.TetherEventRecord) error
}

// SnapshotCache 只读镜像缓存（尽力而为，失败不影响变更结果）
type SnapshotCache interface {
	UpdateTetherSnapshot(ctx context.Context, link *models.TetherLink) error
}

// EmergencyHandler 紧急脉冲的委托处理方（由 escalation 层实现）
type EmergencyHandler interface {
	HandleEmergencyPulse(ctx context.Context, tetherID string, pulse *models.PulseEvent) (*models.TetherLink, error)
}

// Manager 纽带生命周期管理器
// 所有 TetherLink 变更的唯一入口；监控与紧急升级只通过它请求变更
type Manager struct {
	config    *config.Config
	store     *Store
	links     LinkRepository
	events    EventRecorder
	cache     SnapshotCache
	identity  IdentityChecker
	emergency EmergencyHandler
	logger    *zap.Logger
}

// NewManager 创建生命周期管理器
func NewManager(
	cfg *config.Config,
	links LinkRepository,
	events EventRecorder,
	cache SnapshotCache,
	identity IdentityChecker,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		config:   cfg,
		store:    NewStore(),
		links:    links,
		events:   events,
		cache:    cache,
		identity: identity,
		logger:   logger,
	}
}

// SetEmergencyHandler 注入紧急脉冲处理方（构造后装配，避免与 escalation 层循环依赖）
func (m *Manager) SetEmergencyHandler(h EmergencyHandler) {
	m.emergency = h
}

// LoadActive 从持久化层恢复活跃纽带（重启恢复）
func (m *Manager) LoadActive(ctx context.Context) error {
	if m.links == nil {
		return nil
	}

	links, err := m.links.ListActiveTetherLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active tethers: %w", err)
	}

	now := time.Now()
	for _, link := range links {
		e := &tetherEntry{link: *link.Clone()}
		// 恢复后从当前时间重新计窗，避免把宕机期间算成漏脉冲风暴
		e.deadline = now.Add(time.Duration(link.PulseInterval) * time.Second)
		m.store.put(e)
	}

	m.logger.Info("Active tethers loaded",
		zap.Int("count", len(links)),
	)
	return nil
}

// CreateTether 创建纽带
// 校验 seeker != supporter、双方存在、同一无序对无活跃纽带
func (m *Manager) CreateTether(ctx context.Context, req *models.CreateTetherRequest) (*models.TetherLink, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", models.ErrValidation)
	}
	if req.SeekerID == "" || req.SupporterID == "" {
		return nil, fmt.Errorf("%w: seeker_id and supporter_id are required", models.ErrValidation)
	}
	if req.SeekerID == req.SupporterID {
		return nil, models.ErrInvalidParties
	}

	dataSharing := req.DataSharing
	if dataSharing == "" {
		dataSharing = models.SharingMinimal
	}
	switch dataSharing {
	case models.SharingMinimal, models.SharingStandard, models.SharingFull:
	default:
		return nil, fmt.Errorf("%w: unknown data sharing level %q", models.ErrValidation, req.DataSharing)
	}

	// 身份校验委托给外部协作方
	if m.identity != nil {
		for _, userID := range []string{req.SeekerID, req.SupporterID} {
			exists, err := m.identity.UserExists(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("%w: identity lookup failed: %v", models.ErrUpstream, err)
			}
			if !exists {
				return nil, fmt.Errorf("%w: unknown user %s", models.ErrValidation, userID)
			}
		}
	}

	pulseInterval := req.PulseInterval
	if pulseInterval <= 0 {
		pulseInterval = m.config.Tether.DefaultPulseInterval
	}

	// 有偏好时计算兼容性，强度基线取匹配分；否则用固定默认值
	strength := m.config.Tether.DefaultStrength
	matchingScore := 0.0
	var compatibility *models.CompatibilityResult
	if req.SeekerPrefs != nil && req.SupporterPrefs != nil {
		compatibility = compat.Score(req.SeekerPrefs, req.SupporterPrefs)
		matchingScore = compatibility.Score
		strength = matchingScore
	}

	now := time.Now()
	link := models.TetherLink{
		TetherID:         uuid.New().String(),
		SeekerID:         req.SeekerID,
		SupporterID:      req.SupporterID,
		Status:           models.StatusForming,
		Strength:         models.Clamp01(strength),
		TrustScore:       models.Clamp01(m.config.Tether.InitialTrust),
		MatchingScore:    models.Clamp01(matchingScore),
		Established:      now,
		LastActivity:     now,
		PulseInterval:    pulseInterval,
		MissedPulses:     0,
		EmergencyActive:  false,
		Specialties:      append([]string(nil), req.Specialties...),
		Languages:        append([]string(nil), req.Languages...),
		Timezone:         req.Timezone,
		DataSharing:      dataSharing,
		LocationSharing:  req.LocationSharing,
		EmergencyContact: req.EmergencyContact,
		EncryptedMeta:    append([]byte(nil), req.EncryptedMeta...), // 不透明透传
		Compatibility:    compatibility,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	e := &tetherEntry{
		link:     link,
		deadline: now.Add(time.Duration(pulseInterval) * time.Second),
	}
	if !m.store.registerPair(e) {
		return nil, models.ErrDuplicateTether
	}

	m.logger.Info("Tether created",
		zap.String("tether_id", link.TetherID),
		zap.String("seeker_id", link.SeekerID),
		zap.String("supporter_id", link.SupporterID),
		zap.Float64("matching_score", link.MatchingScore),
	)

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	m.recordEvent(ctx, snapshot.TetherID, models.EventKindLifecycle, "tether_created", req.SeekerID, "", now, map[string]interface{}{
		"strength":       snapshot.Strength,
		"matching_score": snapshot.MatchingScore,
		"pulse_interval": snapshot.PulseInterval,
	})
	return snapshot, err
}

// ApplyPulse 应用脉冲
// 紧急脉冲委托给 EmergencyHandler，不走常规处理
func (m *Manager) ApplyPulse(ctx context.Context, tetherID string, pulse *models.PulseEvent) (*models.TetherLink, error) {
	if pulse == nil {
		return nil, fmt.Errorf("%w: pulse is required", models.ErrValidation)
	}
	if pulse.IsEmergency() {
		if m.emergency == nil {
			return nil, fmt.Errorf("%w: emergency handler not configured", models.ErrUpstream)
		}
		return m.emergency.HandleEmergencyPulse(ctx, tetherID, pulse)
	}
	if !models.ValidPulseType(pulse.Type) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPulseType, pulse.Type)
	}

	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, models.ErrTetherNotFound
	}

	e.lockRoutine()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, models.ErrTetherTerminated
	}
	if pulse.SenderID != "" && !e.link.IsParty(pulse.SenderID) {
		return nil, models.ErrNotAParty
	}

	now := time.Now()
	link := &e.link

	// 接受脉冲：漏脉冲计数归零（不追溯恢复已衰减的强度），窗口前移
	link.MissedPulses = 0
	e.degradedNotified = false
	link.LastActivity = now
	pulseAt := now
	link.LastPulse = &pulseAt
	e.deadline = now.Add(time.Duration(link.PulseInterval) * time.Second)

	link.Strength = models.Clamp01(link.Strength + m.strengthDelta(pulse))
	// 信任比强度增长更慢，且不会被单个脉冲重置
	link.TrustScore = models.Clamp01(link.TrustScore + m.config.Tether.TrustGrowth)

	// 紧急状态只能显式 resolve 退出；其余情况脉冲使纽带回到 active
	if !link.EmergencyActive {
		link.Status = models.StatusActive
	}
	link.UpdatedAt = now

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	m.recordEvent(ctx, tetherID, models.EventKindPulse, string(pulse.Type), pulse.SenderID, "", now, map[string]interface{}{
		"strength":    snapshot.Strength,
		"trust_score": snapshot.TrustScore,
	})
	return snapshot, err
}

// strengthDelta 根据脉冲类型推导强度增量；显式增量优先但限制在 [-0.1, 0.1]
func (m *Manager) strengthDelta(pulse *models.PulseEvent) float64 {
	if pulse.StrengthDelta != nil {
		d := *pulse.StrengthDelta
		if d > 0.1 {
			d = 0.1
		}
		if d < -0.1 {
			d = -0.1
		}
		return d
	}
	switch pulse.Type {
	case models.PulseHeartbeat:
		return m.config.Tether.HeartbeatDelta
	case models.PulseCheckIn:
		return m.config.Tether.CheckInDelta
	case models.PulseSupportRequest:
		return m.config.Tether.SupportRequestDelta
	case models.PulseGratitude:
		return m.config.Tether.GratitudeDelta
	}
	return 0
}

// UpdateTether 部分字段更新（管理/恢复流程）
// EmergencyActive 与 EmergencyType 必须成对更新，所有数值收敛到合法区间
func (m *Manager) UpdateTether(ctx context.Context, tetherID string, upd *models.TetherUpdate) (*models.TetherLink, error) {
	if upd == nil {
		return nil, fmt.Errorf("%w: update is required", models.ErrValidation)
	}
	// 成对约束：active=true 必须带类型；单独给类型不允许
	if upd.EmergencyActive == nil && upd.EmergencyType != nil {
		return nil, fmt.Errorf("%w: emergency_type requires emergency_active", models.ErrValidation)
	}
	if upd.EmergencyActive != nil && *upd.EmergencyActive && (upd.EmergencyType == nil || *upd.EmergencyType == "") {
		return nil, fmt.Errorf("%w: emergency_active requires emergency_type", models.ErrValidation)
	}
	if upd.PulseInterval != nil && *upd.PulseInterval <= 0 {
		return nil, fmt.Errorf("%w: pulse_interval must be positive", models.ErrValidation)
	}

	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, models.ErrTetherNotFound
	}

	e.lockRoutine()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, models.ErrTetherTerminated
	}

	now := time.Now()
	link := &e.link

	if upd.Strength != nil {
		link.Strength = models.Clamp01(*upd.Strength)
	}
	if upd.TrustScore != nil {
		link.TrustScore = models.Clamp01(*upd.TrustScore)
	}
	if upd.LastActivity != nil {
		la := *upd.LastActivity
		if la.Before(link.Established) {
			// 不变量：lastActivity >= established
			la = link.Established
		}
		link.LastActivity = la
	}
	if upd.MissedPulses != nil {
		mp := *upd.MissedPulses
		if mp < 0 {
			mp = 0
		}
		link.MissedPulses = mp
	}
	if upd.PulseInterval != nil {
		link.PulseInterval = *upd.PulseInterval
	}
	if upd.EmergencyActive != nil {
		if *upd.EmergencyActive {
			link.EmergencyActive = true
			link.EmergencyType = *upd.EmergencyType
			t := now
			link.LastEmergency = &t
			link.Status = models.StatusEmergency
		} else {
			link.EmergencyActive = false
			link.EmergencyType = ""
		}
	}

	// 窗口基准随 lastActivity / pulseInterval 调整
	e.deadline = link.LastActivity.Add(time.Duration(link.PulseInterval) * time.Second)

	if !link.EmergencyActive {
		if link.MissedPulses >= m.config.Tether.DegradedThreshold {
			link.Status = models.StatusDegraded
		} else {
			link.Status = models.StatusActive
		}
	}
	link.UpdatedAt = now

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	m.recordEvent(ctx, tetherID, models.EventKindLifecycle, "tether_updated", "", "", now, nil)
	return snapshot, err
}

// TerminateTether 终止纽带：标记 terminated，保留记录用于历史统计
// 返回成功即保证监控不再对该纽带施加衰减
func (m *Manager) TerminateTether(ctx context.Context, tetherID, reason string) (*models.TetherLink, error) {
	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, models.ErrTetherNotFound
	}

	e.lockRoutine()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, models.ErrTetherTerminated
	}

	now := time.Now()
	e.terminated = true
	link := &e.link
	link.Status = models.StatusTerminated
	t := now
	link.TerminatedAt = &t
	link.TerminateReason = reason
	link.UpdatedAt = now

	m.logger.Info("Tether terminated",
		zap.String("tether_id", tetherID),
		zap.String("reason", reason),
	)

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	m.recordEvent(ctx, tetherID, models.EventKindLifecycle, "tether_terminated", "", "", now, map[string]interface{}{
		"reason": reason,
	})
	return snapshot, err
}

// GetTether 只读快照
func (m *Manager) GetTether(tetherID string) (*models.TetherLink, error) {
	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, models.ErrTetherNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link.Clone(), nil
}

// ListActiveTethers 所有未终止纽带的快照
func (m *Manager) ListActiveTethers() []*models.TetherLink {
	ids := m.store.activeIDs()
	out := make([]*models.TetherLink, 0, len(ids))
	for _, id := range ids {
		e, ok := m.store.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.terminated {
			out = append(out, e.link.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// SnapshotTethers 全量快照（含已终止，统计用）
func (m *Manager) SnapshotTethers() []models.TetherLink {
	ids := m.store.ids()
	out := make([]models.TetherLink, 0, len(ids))
	for _, id := range ids {
		e, ok := m.store.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, *e.link.Clone())
		e.mu.Unlock()
	}
	return out
}

// ActiveTetherIDs 未终止纽带 id 快照（监控扫描入口）
func (m *Manager) ActiveTetherIDs() []string {
	return m.store.activeIDs()
}

// SweepTether 监控请求的漏脉冲记账：每个已流逝的窗口恰好衰减一次
// 返回本次新计的漏脉冲数与是否刚越过降级阈值（用于对外通知一次）
func (m *Manager) SweepTether(ctx context.Context, tetherID string, now time.Time) (*models.TetherLink, int, bool, error) {
	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, 0, false, models.ErrTetherNotFound
	}

	e.lockRoutine()
	defer e.mu.Unlock()

	// 终止后不得再衰减：terminated 在同一把锁内翻转，此处观察到即可靠
	if e.terminated {
		return nil, 0, false, nil
	}

	link := &e.link
	interval := time.Duration(link.PulseInterval) * time.Second
	if interval <= 0 {
		return link.Clone(), 0, false, nil
	}

	missedApplied := 0
	for !now.Before(e.deadline) {
		link.MissedPulses++
		link.Strength = models.Clamp01(link.Strength * m.config.Tether.DecayFactor)
		e.deadline = e.deadline.Add(interval)
		missedApplied++
	}

	if missedApplied == 0 {
		return link.Clone(), 0, false, nil
	}

	crossedDegraded := false
	if !link.EmergencyActive && link.MissedPulses >= m.config.Tether.DegradedThreshold {
		link.Status = models.StatusDegraded
		if !e.degradedNotified {
			e.degradedNotified = true
			crossedDegraded = true
		}
	}
	link.UpdatedAt = now

	m.logger.Debug("Missed pulse windows applied",
		zap.String("tether_id", tetherID),
		zap.Int("missed_applied", missedApplied),
		zap.Int("missed_total", link.MissedPulses),
		zap.Float64("strength", link.Strength),
	)

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	return snapshot, missedApplied, crossedDegraded, err
}

// TriggerEmergency 紧急升级请求的状态转换（由 escalation 层调用）
// 返回 fired=false 表示同类型事件已激活，幂等短路，不应重复通知
func (m *Manager) TriggerEmergency(ctx context.Context, tetherID, triggerUserID, emergencyType string, urgency models.UrgencyLevel) (*models.TetherLink, bool, error) {
	if emergencyType == "" {
		return nil, false, fmt.Errorf("%w: incident type is required", models.ErrValidation)
	}

	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, false, models.ErrTetherNotFound
	}

	// 紧急路径优先取锁：先登记意图，常规路径会让路
	e.lockPriority()
	defer e.unlockPriority()

	if e.terminated {
		return nil, false, models.ErrTetherTerminated
	}
	if !e.link.IsParty(triggerUserID) {
		return nil, false, models.ErrNotAParty
	}

	link := &e.link

	// 同一事件幂等：已激活且类型相同时不改状态、不重复通知
	if link.EmergencyActive && link.EmergencyType == emergencyType {
		return link.Clone(), false, nil
	}

	now := time.Now()
	link.EmergencyActive = true
	link.EmergencyType = emergencyType
	t := now
	link.LastEmergency = &t
	link.LastActivity = now
	link.EmergencyResolvedAt = nil
	link.Status = models.StatusEmergency
	link.UpdatedAt = now
	// 触发也是活动：窗口基准前移，避免紧急期间被记漏脉冲
	e.deadline = now.Add(time.Duration(link.PulseInterval) * time.Second)

	m.logger.Warn("Emergency activated",
		zap.String("tether_id", tetherID),
		zap.String("emergency_type", emergencyType),
		zap.String("urgency", string(urgency)),
		zap.String("trigger_user_id", triggerUserID),
	)

	// 状态先同步落定，通知由调用方异步下发；通知失败不回滚
	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	return snapshot, true, err
}

// ResolveEmergency 显式清除紧急状态（唯一出口）
// actor 必须是纽带当事方或配置的运维账号
func (m *Manager) ResolveEmergency(ctx context.Context, tetherID, actorID string) (*models.TetherLink, error) {
	e, ok := m.store.get(tetherID)
	if !ok {
		return nil, models.ErrTetherNotFound
	}

	e.lockRoutine()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, models.ErrTetherTerminated
	}
	if !e.link.IsParty(actorID) && !m.config.IsOperator(actorID) {
		return nil, models.ErrNotAParty
	}
	if !e.link.EmergencyActive {
		return nil, models.ErrNoActiveEmergency
	}

	now := time.Now()
	link := &e.link
	link.EmergencyActive = false
	link.EmergencyType = ""
	t := now
	link.EmergencyResolvedAt = &t
	link.LastActivity = now
	// 解除同样前移窗口基准：lastActivity 与 deadline 保持同步
	e.deadline = now.Add(time.Duration(link.PulseInterval) * time.Second)
	if link.MissedPulses >= m.config.Tether.DegradedThreshold {
		link.Status = models.StatusDegraded
	} else {
		link.Status = models.StatusActive
	}
	link.UpdatedAt = now

	m.logger.Info("Emergency resolved",
		zap.String("tether_id", tetherID),
		zap.String("actor_id", actorID),
	)

	snapshot := link.Clone()
	err := m.persist(ctx, snapshot)
	m.recordEvent(ctx, tetherID, models.EventKindLifecycle, "emergency_resolved", actorID, "", now, nil)
	return snapshot, err
}

// persist 调用持久化协作方并镜像到缓存
// 持久化失败时内存状态保持已生效的变更，用 ErrPersistFailed 向调用方暴露
// "已接受但未确认持久化"
func (m *Manager) persist(ctx context.Context, link *models.TetherLink) error {
	if m.links == nil {
		return nil
	}
	if err := m.links.UpsertTetherLink(ctx, link); err != nil {
		m.logger.Error("Failed to persist tether link",
			zap.String("tether_id", link.TetherID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", models.ErrPersistFailed, err)
	}
	if m.cache != nil {
		if err := m.cache.UpdateTetherSnapshot(ctx, link); err != nil {
			// 缓存只是镜像，失败记日志不影响结果
			m.logger.Warn("Failed to update tether snapshot cache",
				zap.String("tether_id", link.TetherID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// recordEvent 写事件日志（尽力而为，失败不中断主流程）
func (m *Manager) recordEvent(ctx context.Context, tetherID, kind, eventType, actorID, urgency string, occurredAt time.Time, payload map[string]interface{}) {
	if m.events == nil {
		return
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}

	record := &models.TetherEventRecord{
		EventID:      uuid.New().String(),
		TetherID:     tetherID,
		Kind:         kind,
		EventType:    eventType,
		UrgencyLevel: urgency,
		ActorID:      actorID,
		OccurredAt:   occurredAt,
		Payload:      raw,
		CreatedAt:    occurredAt,
	}

	if err := m.events.CreateTetherEvent(ctx, record); err != nil {
		m.logger.Error("Failed to record tether event",
			zap.String("tether_id", tetherID),
			zap.String("kind", kind),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
