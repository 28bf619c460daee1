package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tether-engine/internal/config"
	"tether-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLinkRepo struct {
	mu      sync.Mutex
	saved   []*models.TetherLink
	loaded  []*models.TetherLink
	saveErr error
}

func (f *fakeLinkRepo) UpsertTetherLink(ctx context.Context, link *models.TetherLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, link.Clone())
	return nil
}

func (f *fakeLinkRepo) ListActiveTetherLinks(ctx context.Context) ([]*models.TetherLink, error) {
	return f.loaded, nil
}

type fakeEventRecorder struct {
	mu      sync.Mutex
	records []*models.TetherEventRecord
}

func (f *fakeEventRecorder) CreateTetherEvent(ctx context.Context, record *models.TetherEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeEventRecorder) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r.Kind)
	}
	return out
}

type fakeIdentity struct {
	missing map[string]bool
	err     error
}

func (f *fakeIdentity) UserExists(ctx context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[userID], nil
}

type fakeEmergencyHandler struct {
	mu     sync.Mutex
	called int
	link   *models.TetherLink
}

func (f *fakeEmergencyHandler) HandleEmergencyPulse(ctx context.Context, tetherID string, pulse *models.PulseEvent) (*models.TetherLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	return f.link, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Tether.SweepInterval = 5
	cfg.Tether.DefaultPulseInterval = 300
	cfg.Tether.DecayFactor = 0.85
	cfg.Tether.HeartbeatDelta = 0.01
	cfg.Tether.CheckInDelta = 0.03
	cfg.Tether.SupportRequestDelta = 0.01
	cfg.Tether.GratitudeDelta = 0.05
	cfg.Tether.TrustGrowth = 0.005
	cfg.Tether.InitialTrust = 0.1
	cfg.Tether.DefaultStrength = 0.5
	cfg.Tether.DegradedThreshold = 3
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *fakeLinkRepo, *fakeEventRecorder) {
	t.Helper()
	repo := &fakeLinkRepo{}
	events := &fakeEventRecorder{}
	m := NewManager(testConfig(), repo, events, nil, nil, zap.NewNop())
	return m, repo, events
}

func createTether(t *testing.T, m *Manager) *models.TetherLink {
	t.Helper()
	link, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})
	require.NoError(t, err)
	return link
}

// ============================================
// 创建测试
// ============================================

func TestCreateTether_Defaults(t *testing.T) {
	m, repo, events := newTestManager(t)

	link := createTether(t, m)

	assert.NotEmpty(t, link.TetherID)
	assert.Equal(t, models.StatusForming, link.Status)
	assert.InDelta(t, 0.5, link.Strength, 1e-9)
	assert.InDelta(t, 0.1, link.TrustScore, 1e-9)
	assert.Equal(t, 0.0, link.MatchingScore)
	assert.Equal(t, 300, link.PulseInterval)
	assert.Equal(t, 0, link.MissedPulses)
	assert.False(t, link.EmergencyActive)
	assert.Equal(t, models.SharingMinimal, link.DataSharing)

	repo.mu.Lock()
	assert.Len(t, repo.saved, 1)
	repo.mu.Unlock()
	assert.Contains(t, events.kinds(), models.EventKindLifecycle)
}

func TestCreateTether_WithPreferences(t *testing.T) {
	m, _, _ := newTestManager(t)

	prefs := &models.PreferenceProfile{
		Version:            1,
		CommunicationStyle: "balanced",
		AvailabilityStart:  9,
		AvailabilityEnd:    17,
		SupportTopics:      []string{"anxiety", "grief"},
		Languages:          []string{"en"},
		TimezoneOffset:     0,
	}

	link, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:       "seeker-1",
		SupporterID:    "supporter-1",
		SeekerPrefs:    prefs,
		SupporterPrefs: prefs,
	})

	require.NoError(t, err)
	require.NotNil(t, link.Compatibility)
	assert.Greater(t, link.MatchingScore, 0.0)
	assert.InDelta(t, link.MatchingScore, link.Strength, 1e-9)
}

func TestCreateTether_SamePartyRejected(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "user-1",
		SupporterID: "user-1",
	})

	assert.ErrorIs(t, err, models.ErrInvalidParties)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateTether_MissingParties(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID: "seeker-1",
	})

	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateTether_UnknownDataSharing(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
		DataSharing: "EVERYTHING",
	})

	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateTether_DuplicatePairRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	createTether(t, m)

	// 同一无序对，调换方向也视为重复
	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "supporter-1",
		SupporterID: "seeker-1",
	})

	assert.ErrorIs(t, err, models.ErrDuplicateTether)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCreateTether_PairReusableAfterTermination(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.TerminateTether(context.Background(), link.TetherID, "moving on")
	require.NoError(t, err)

	_, err = m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})
	require.NoError(t, err)
}

func TestCreateTether_IdentityUnknownUser(t *testing.T) {
	repo := &fakeLinkRepo{}
	identity := &fakeIdentity{missing: map[string]bool{"supporter-1": true}}
	m := NewManager(testConfig(), repo, nil, nil, identity, zap.NewNop())

	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})

	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "supporter-1")
}

func TestCreateTether_IdentityLookupFailure(t *testing.T) {
	repo := &fakeLinkRepo{}
	identity := &fakeIdentity{err: errors.New("identity service down")}
	m := NewManager(testConfig(), repo, nil, nil, identity, zap.NewNop())

	_, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})

	assert.ErrorIs(t, err, models.ErrUpstream)
}

// ============================================
// 脉冲测试
// ============================================

func TestApplyPulse_Heartbeat(t *testing.T) {
	m, _, events := newTestManager(t)
	link := createTether(t, m)

	got, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type:     models.PulseHeartbeat,
		SenderID: "seeker-1",
	})

	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.InDelta(t, 0.51, got.Strength, 1e-9)
	assert.InDelta(t, 0.105, got.TrustScore, 1e-9)
	assert.Equal(t, 0, got.MissedPulses)
	require.NotNil(t, got.LastPulse)
	assert.Contains(t, events.kinds(), models.EventKindPulse)
}

func TestApplyPulse_GratitudeLargerThanHeartbeat(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	after, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type: models.PulseGratitude,
	})

	require.NoError(t, err)
	assert.InDelta(t, 0.55, after.Strength, 1e-9)
}

func TestApplyPulse_StrengthClampedAtOne(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	big := 0.09
	var got *models.TetherLink
	var err error
	for i := 0; i < 20; i++ {
		got, err = m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
			Type:          models.PulseCheckIn,
			StrengthDelta: &big,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, got.Strength)
}

func TestApplyPulse_ExplicitDeltaClamped(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	huge := 5.0
	got, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type:          models.PulseHeartbeat,
		StrengthDelta: &huge,
	})

	require.NoError(t, err)
	// 显式增量被限制在 0.1
	assert.InDelta(t, 0.6, got.Strength, 1e-9)
}

func TestApplyPulse_ResetsMissedNotStrength(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	// 两个窗口流逝：missed=2，强度衰减两次
	now := time.Now().Add(601 * time.Second)
	swept, missed, _, err := m.SweepTether(context.Background(), link.TetherID, now)
	require.NoError(t, err)
	require.Equal(t, 2, missed)
	decayed := swept.Strength
	assert.Less(t, decayed, 0.5)

	got, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type: models.PulseHeartbeat,
	})
	require.NoError(t, err)

	// 计数归零但不追溯恢复强度
	assert.Equal(t, 0, got.MissedPulses)
	assert.InDelta(t, decayed+0.01, got.Strength, 1e-9)
}

func TestApplyPulse_UnknownType(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type: "WAVE",
	})

	assert.ErrorIs(t, err, models.ErrUnknownPulseType)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApplyPulse_TetherNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.ApplyPulse(context.Background(), "no-such-tether", &models.PulseEvent{
		Type: models.PulseHeartbeat,
	})

	assert.ErrorIs(t, err, models.ErrTetherNotFound)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyPulse_NonPartySender(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type:     models.PulseHeartbeat,
		SenderID: "stranger",
	})

	assert.ErrorIs(t, err, models.ErrNotAParty)
}

func TestApplyPulse_TerminatedTether(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.TerminateTether(context.Background(), link.TetherID, "done")
	require.NoError(t, err)

	_, err = m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type: models.PulseHeartbeat,
	})

	assert.ErrorIs(t, err, models.ErrTetherTerminated)
	assert.ErrorIs(t, err, models.ErrState)
}

func TestApplyPulse_EmergencyDelegated(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	handler := &fakeEmergencyHandler{link: link}
	m.SetEmergencyHandler(handler)

	_, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type:     models.PulseEmergency,
		SenderID: "seeker-1",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, handler.called)
}

func TestApplyPulse_EmergencySignalFlagDelegated(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	handler := &fakeEmergencyHandler{link: link}
	m.SetEmergencyHandler(handler)

	// 普通类型但带紧急标记，同样绕过常规处理
	_, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type:            models.PulseHeartbeat,
		SenderID:        "seeker-1",
		EmergencySignal: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, handler.called)
}

func TestApplyPulse_PersistFailureSurfaced(t *testing.T) {
	repo := &fakeLinkRepo{saveErr: errors.New("db down")}
	m := NewManager(testConfig(), repo, nil, nil, nil, zap.NewNop())

	link, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})
	// 创建本身也持久化失败，但内存状态已生效
	assert.ErrorIs(t, err, models.ErrPersistFailed)
	require.NotNil(t, link)

	got, err := m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
		Type: models.PulseHeartbeat,
	})

	assert.ErrorIs(t, err, models.ErrPersistFailed)
	// 变更已接受：返回的快照携带生效后的值
	require.NotNil(t, got)
	assert.InDelta(t, 0.51, got.Strength, 1e-9)

	fresh, gerr := m.GetTether(link.TetherID)
	require.NoError(t, gerr)
	assert.InDelta(t, 0.51, fresh.Strength, 1e-9)
}

// ============================================
// 更新与终止测试
// ============================================

func TestUpdateTether_ClampsValues(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	strength := 1.7
	trust := -0.5
	missed := -3
	got, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		Strength:     &strength,
		TrustScore:   &trust,
		MissedPulses: &missed,
	})

	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Strength)
	assert.Equal(t, 0.0, got.TrustScore)
	assert.Equal(t, 0, got.MissedPulses)
}

func TestUpdateTether_EmergencyPairConstraint(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	active := true
	_, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		EmergencyActive: &active,
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	etype := "sos"
	_, err = m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		EmergencyType: &etype,
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		EmergencyActive: &active,
		EmergencyType:   &etype,
	})
	require.NoError(t, err)
	assert.True(t, got.EmergencyActive)
	assert.Equal(t, "sos", got.EmergencyType)
	assert.Equal(t, models.StatusEmergency, got.Status)
}

func TestUpdateTether_ClearEmergency(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	active := true
	etype := "sos"
	_, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		EmergencyActive: &active,
		EmergencyType:   &etype,
	})
	require.NoError(t, err)

	inactive := false
	got, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		EmergencyActive: &inactive,
	})

	require.NoError(t, err)
	assert.False(t, got.EmergencyActive)
	assert.Empty(t, got.EmergencyType)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestUpdateTether_LastActivityFloorIsEstablished(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	ancient := link.Established.Add(-time.Hour)
	got, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		LastActivity: &ancient,
	})

	require.NoError(t, err)
	assert.False(t, got.LastActivity.Before(got.Established))
}

func TestUpdateTether_InvalidPulseInterval(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	zero := 0
	_, err := m.UpdateTether(context.Background(), link.TetherID, &models.TetherUpdate{
		PulseInterval: &zero,
	})

	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTerminateTether(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	got, err := m.TerminateTether(context.Background(), link.TetherID, "completed")

	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, got.Status)
	require.NotNil(t, got.TerminatedAt)
	assert.Equal(t, "completed", got.TerminateReason)

	// 二次终止
	_, err = m.TerminateTether(context.Background(), link.TetherID, "again")
	assert.ErrorIs(t, err, models.ErrTetherTerminated)

	// 终止后仍可读到历史记录
	fresh, err := m.GetTether(link.TetherID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, fresh.Status)

	// 但不再出现在活跃列表
	assert.Empty(t, m.ListActiveTethers())
	assert.Empty(t, m.ActiveTetherIDs())
}

// ============================================
// 漏脉冲记账测试
// ============================================

func TestSweepTether_NoElapsedWindow(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	got, missed, crossed, err := m.SweepTether(context.Background(), link.TetherID, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.False(t, crossed)
	assert.Equal(t, 0, got.MissedPulses)
	assert.InDelta(t, 0.5, got.Strength, 1e-9)
}

func TestSweepTether_OneWindowPerSweep(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	now := time.Now().Add(301 * time.Second)
	got, missed, _, err := m.SweepTether(context.Background(), link.TetherID, now)

	require.NoError(t, err)
	assert.Equal(t, 1, missed)
	assert.Equal(t, 1, got.MissedPulses)
	assert.InDelta(t, 0.5*0.85, got.Strength, 1e-9)

	// 同一时刻再扫不重复记账
	got, missed, _, err = m.SweepTether(context.Background(), link.TetherID, now)
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.Equal(t, 1, got.MissedPulses)
	assert.InDelta(t, 0.5*0.85, got.Strength, 1e-9)
}

func TestSweepTether_CatchUpMultipleWindows(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	// 4 个窗口流逝：每个窗口恰好衰减一次
	now := time.Now().Add(4*300*time.Second + time.Second)
	got, missed, crossed, err := m.SweepTether(context.Background(), link.TetherID, now)

	require.NoError(t, err)
	assert.Equal(t, 4, missed)
	assert.Equal(t, 4, got.MissedPulses)
	expected := 0.5 * 0.85 * 0.85 * 0.85 * 0.85
	assert.InDelta(t, expected, got.Strength, 1e-9)
	assert.Equal(t, models.StatusDegraded, got.Status)
	assert.True(t, crossed)
}

func TestSweepTether_DegradedCrossedOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	now := time.Now().Add(3*300*time.Second + time.Second)
	_, _, crossed, err := m.SweepTether(context.Background(), link.TetherID, now)
	require.NoError(t, err)
	assert.True(t, crossed)

	// 继续恶化不再重复越线
	later := now.Add(300 * time.Second)
	_, missed, crossed, err := m.SweepTether(context.Background(), link.TetherID, later)
	require.NoError(t, err)
	assert.Equal(t, 1, missed)
	assert.False(t, crossed)
}

func TestSweepTether_TerminatedSkipped(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.TerminateTether(context.Background(), link.TetherID, "done")
	require.NoError(t, err)

	got, missed, crossed, err := m.SweepTether(context.Background(), link.TetherID, time.Now().Add(time.Hour))

	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, missed)
	assert.False(t, crossed)
}

// ============================================
// 紧急状态转换测试
// ============================================

func TestTriggerEmergency_Fires(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	got, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)

	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, got.EmergencyActive)
	assert.Equal(t, "sos", got.EmergencyType)
	assert.Equal(t, models.StatusEmergency, got.Status)
	require.NotNil(t, got.LastEmergency)
	assert.Nil(t, got.EmergencyResolvedAt)
}

func TestTriggerEmergency_SameTypeIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	first, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)
	require.True(t, fired)

	second, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)

	require.NoError(t, err)
	assert.False(t, fired)
	// 状态未被改动
	require.NotNil(t, second.LastEmergency)
	assert.Equal(t, first.LastEmergency.UnixNano(), second.LastEmergency.UnixNano())
}

func TestTriggerEmergency_DifferentTypeEscalates(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "panic_attack", models.UrgencyHigh)
	require.NoError(t, err)
	require.True(t, fired)

	got, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "self_harm", models.UrgencyCritical)

	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, "self_harm", got.EmergencyType)
}

func TestTriggerEmergency_NonParty(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, _, err := m.TriggerEmergency(context.Background(), link.TetherID, "stranger", "sos", models.UrgencyCritical)

	assert.ErrorIs(t, err, models.ErrNotAParty)
}

func TestResolveEmergency(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, _, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)

	got, err := m.ResolveEmergency(context.Background(), link.TetherID, "supporter-1")

	require.NoError(t, err)
	assert.False(t, got.EmergencyActive)
	assert.Empty(t, got.EmergencyType)
	require.NotNil(t, got.EmergencyResolvedAt)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestResolveEmergency_NoActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, err := m.ResolveEmergency(context.Background(), link.TetherID, "seeker-1")

	assert.ErrorIs(t, err, models.ErrNoActiveEmergency)
	assert.ErrorIs(t, err, models.ErrState)
}

func TestResolveEmergency_NonPartyRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, _, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)

	_, err = m.ResolveEmergency(context.Background(), link.TetherID, "stranger")
	assert.ErrorIs(t, err, models.ErrNotAParty)
}

func TestResolveEmergency_OperatorAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Tether.OperatorIDs = []string{"ops-1"}
	m := NewManager(cfg, &fakeLinkRepo{}, nil, nil, nil, zap.NewNop())

	link, err := m.CreateTether(context.Background(), &models.CreateTetherRequest{
		SeekerID:    "seeker-1",
		SupporterID: "supporter-1",
	})
	require.NoError(t, err)

	_, _, err = m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)

	got, err := m.ResolveEmergency(context.Background(), link.TetherID, "ops-1")
	require.NoError(t, err)
	assert.False(t, got.EmergencyActive)
}

func TestTriggerEmergency_RefreshesDeadline(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	// 把窗口基准拨到过去，模拟久未活动的纽带
	e, ok := m.store.get(link.TetherID)
	require.True(t, ok)
	e.mu.Lock()
	e.deadline = time.Now().Add(-time.Second)
	e.mu.Unlock()

	_, fired, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)
	require.True(t, fired)

	// 触发也是活动：紧随其后的扫描不得记漏脉冲
	got, missed, _, err := m.SweepTether(context.Background(), link.TetherID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.Equal(t, 0, got.MissedPulses)
	assert.InDelta(t, 0.5, got.Strength, 1e-9)
}

func TestResolveEmergency_RefreshesDeadline(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	_, _, err := m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)

	e, ok := m.store.get(link.TetherID)
	require.True(t, ok)
	e.mu.Lock()
	e.deadline = time.Now().Add(-time.Second)
	e.mu.Unlock()

	_, err = m.ResolveEmergency(context.Background(), link.TetherID, "supporter-1")
	require.NoError(t, err)

	// 解除同样前移窗口基准
	got, missed, _, err := m.SweepTether(context.Background(), link.TetherID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.Equal(t, 0, got.MissedPulses)
}

func TestResolveEmergency_DegradedWhenMissedHigh(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	// 先积累漏脉冲再触发紧急
	now := time.Now().Add(3*300*time.Second + time.Second)
	_, _, _, err := m.SweepTether(context.Background(), link.TetherID, now)
	require.NoError(t, err)

	_, _, err = m.TriggerEmergency(context.Background(), link.TetherID, "seeker-1", "sos", models.UrgencyCritical)
	require.NoError(t, err)

	got, err := m.ResolveEmergency(context.Background(), link.TetherID, "seeker-1")

	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, got.Status)
}

// ============================================
// 并发测试
// ============================================

func TestConcurrentPulsesAndEmergency(t *testing.T) {
	m, _, _ := newTestManager(t)
	link := createTether(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = m.ApplyPulse(context.Background(), link.TetherID, &models.PulseEvent{
					Type:     models.PulseHeartbeat,
					SenderID: "seeker-1",
				})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := m.TriggerEmergency(context.Background(), link.TetherID, "supporter-1", "sos", models.UrgencyCritical)
		assert.NoError(t, err)
	}()

	wg.Wait()

	got, err := m.GetTether(link.TetherID)
	require.NoError(t, err)
	// 紧急状态一旦激活只能显式 resolve，常规脉冲不会将其冲掉
	assert.True(t, got.EmergencyActive)
	assert.Equal(t, models.StatusEmergency, got.Status)
}

func TestLoadActive_RestoresTethers(t *testing.T) {
	now := time.Now()
	repo := &fakeLinkRepo{loaded: []*models.TetherLink{
		{
			TetherID:      "tether-a",
			SeekerID:      "s1",
			SupporterID:   "p1",
			Status:        models.StatusActive,
			Strength:      0.7,
			PulseInterval: 300,
			Established:   now,
			LastActivity:  now,
		},
		{
			TetherID:      "tether-b",
			SeekerID:      "s2",
			SupporterID:   "p2",
			Status:        models.StatusDegraded,
			Strength:      0.2,
			MissedPulses:  4,
			PulseInterval: 120,
			Established:   now,
			LastActivity:  now,
		},
	}}
	m := NewManager(testConfig(), repo, nil, nil, nil, zap.NewNop())

	err := m.LoadActive(context.Background())

	require.NoError(t, err)
	assert.Len(t, m.ActiveTetherIDs(), 2)

	got, err := m.GetTether("tether-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, got.Status)
	assert.Equal(t, 4, got.MissedPulses)

	// 恢复后窗口从当前时间重新起算，立即扫描不产生漏脉冲
	_, missed, _, err := m.SweepTether(context.Background(), "tether-b", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
}
