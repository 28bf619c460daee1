package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tether-engine/internal/models"

	"go.uber.org/zap"
)

// TetherLinkRepository 纽带持久化仓库（引擎的外部 save/load 协作方）
type TetherLinkRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTetherLinkRepository 创建纽带仓库
func NewTetherLinkRepository(db *sql.DB, logger *zap.Logger) *TetherLinkRepository {
	return &TetherLinkRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertTetherLink 保存纽带（每次已接受的变更后调用）
func (r *TetherLinkRepository) UpsertTetherLink(ctx context.Context, link *models.TetherLink) error {
	if link == nil {
		return fmt.Errorf("link is required")
	}
	if link.TetherID == "" {
		return fmt.Errorf("tether_id is required")
	}

	specialties, err := json.Marshal(link.Specialties)
	if err != nil {
		return fmt.Errorf("failed to marshal specialties: %w", err)
	}
	languages, err := json.Marshal(link.Languages)
	if err != nil {
		return fmt.Errorf("failed to marshal languages: %w", err)
	}
	var compatibility []byte
	if link.Compatibility != nil {
		compatibility, err = json.Marshal(link.Compatibility)
		if err != nil {
			return fmt.Errorf("failed to marshal compatibility: %w", err)
		}
	}

	query := `
		INSERT INTO tether_links (
			tether_id,
			seeker_id,
			supporter_id,
			status,
			strength,
			trust_score,
			matching_score,
			established,
			last_activity,
			last_pulse,
			last_emergency,
			emergency_resolved_at,
			pulse_interval,
			missed_pulses,
			emergency_active,
			emergency_type,
			specialties,
			languages,
			timezone,
			data_sharing,
			location_sharing,
			emergency_contact,
			encrypted_meta,
			compatibility,
			terminated_at,
			terminate_reason,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)
		ON CONFLICT (tether_id) DO UPDATE SET
			status = EXCLUDED.status,
			strength = EXCLUDED.strength,
			trust_score = EXCLUDED.trust_score,
			last_activity = EXCLUDED.last_activity,
			last_pulse = EXCLUDED.last_pulse,
			last_emergency = EXCLUDED.last_emergency,
			emergency_resolved_at = EXCLUDED.emergency_resolved_at,
			pulse_interval = EXCLUDED.pulse_interval,
			missed_pulses = EXCLUDED.missed_pulses,
			emergency_active = EXCLUDED.emergency_active,
			emergency_type = EXCLUDED.emergency_type,
			terminated_at = EXCLUDED.terminated_at,
			terminate_reason = EXCLUDED.terminate_reason,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		link.TetherID,
		link.SeekerID,
		link.SupporterID,
		string(link.Status),
		link.Strength,
		link.TrustScore,
		link.MatchingScore,
		link.Established,
		link.LastActivity,
		link.LastPulse,
		link.LastEmergency,
		link.EmergencyResolvedAt,
		link.PulseInterval,
		link.MissedPulses,
		link.EmergencyActive,
		nullString(link.EmergencyType),
		specialties,
		languages,
		nullString(link.Timezone),
		string(link.DataSharing),
		link.LocationSharing,
		link.EmergencyContact,
		link.EncryptedMeta,
		compatibility,
		link.TerminatedAt,
		nullString(link.TerminateReason),
		link.CreatedAt,
		link.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert tether link: %w", err)
	}

	return nil
}

// GetTetherLink 根据 tether_id 读取单条纽带
func (r *TetherLinkRepository) GetTetherLink(ctx context.Context, tetherID string) (*models.TetherLink, error) {
	if tetherID == "" {
		return nil, fmt.Errorf("tether_id is required")
	}

	query := selectTetherLinkColumns + `
		FROM tether_links
		WHERE tether_id = $1
	`

	row := r.db.QueryRowContext(ctx, query, tetherID)
	link, err := scanTetherLink(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tether link not found: tether_id=%s", tetherID)
		}
		return nil, fmt.Errorf("failed to get tether link: %w", err)
	}

	return link, nil
}

// ListActiveTetherLinks 读取所有未终止纽带（重启恢复用）
func (r *TetherLinkRepository) ListActiveTetherLinks(ctx context.Context) ([]*models.TetherLink, error) {
	query := selectTetherLinkColumns + `
		FROM tether_links
		WHERE status != 'terminated'
		ORDER BY established
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tether links: %w", err)
	}
	defer rows.Close()

	links := []*models.TetherLink{}
	for rows.Next() {
		link, err := scanTetherLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tether link: %w", err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tether links: %w", err)
	}

	return links, nil
}

const selectTetherLinkColumns = `
		SELECT
			tether_id,
			seeker_id,
			supporter_id,
			status,
			strength,
			trust_score,
			matching_score,
			established,
			last_activity,
			last_pulse,
			last_emergency,
			emergency_resolved_at,
			pulse_interval,
			missed_pulses,
			emergency_active,
			emergency_type,
			specialties,
			languages,
			timezone,
			data_sharing,
			location_sharing,
			emergency_contact,
			encrypted_meta,
			compatibility,
			terminated_at,
			terminate_reason,
			created_at,
			updated_at
`

// scanner 兼容 *sql.Row 与 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTetherLink(s scanner) (*models.TetherLink, error) {
	var link models.TetherLink
	var status, dataSharing string
	var lastPulse, lastEmergency, emergencyResolvedAt, terminatedAt sql.NullTime
	var emergencyType, timezone, terminateReason sql.NullString
	var specialties, languages, compatibility, encryptedMeta []byte

	err := s.Scan(
		&link.TetherID,
		&link.SeekerID,
		&link.SupporterID,
		&status,
		&link.Strength,
		&link.TrustScore,
		&link.MatchingScore,
		&link.Established,
		&link.LastActivity,
		&lastPulse,
		&lastEmergency,
		&emergencyResolvedAt,
		&link.PulseInterval,
		&link.MissedPulses,
		&link.EmergencyActive,
		&emergencyType,
		&specialties,
		&languages,
		&timezone,
		&dataSharing,
		&link.LocationSharing,
		&link.EmergencyContact,
		&encryptedMeta,
		&compatibility,
		&terminatedAt,
		&terminateReason,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	link.Status = models.TetherStatus(status)
	link.DataSharing = models.DataSharingLevel(dataSharing)

	// 处理可空字段
	if lastPulse.Valid {
		link.LastPulse = &lastPulse.Time
	}
	if lastEmergency.Valid {
		link.LastEmergency = &lastEmergency.Time
	}
	if emergencyResolvedAt.Valid {
		link.EmergencyResolvedAt = &emergencyResolvedAt.Time
	}
	if terminatedAt.Valid {
		link.TerminatedAt = &terminatedAt.Time
	}
	if emergencyType.Valid {
		link.EmergencyType = emergencyType.String
	}
	if timezone.Valid {
		link.Timezone = timezone.String
	}
	if terminateReason.Valid {
		link.TerminateReason = terminateReason.String
	}

	// 处理 JSONB 字段
	if len(specialties) > 0 {
		if err := json.Unmarshal(specialties, &link.Specialties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal specialties: %w", err)
		}
	}
	if len(languages) > 0 {
		if err := json.Unmarshal(languages, &link.Languages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal languages: %w", err)
		}
	}
	if len(compatibility) > 0 {
		var result models.CompatibilityResult
		if err := json.Unmarshal(compatibility, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compatibility: %w", err)
		}
		link.Compatibility = &result
	}
	link.EncryptedMeta = encryptedMeta

	return &link, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
