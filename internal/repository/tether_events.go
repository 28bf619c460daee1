package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tether-engine/internal/models"

	"go.uber.org/zap"
)

// TetherEventRepository 纽带事件日志仓库（追加式）
type TetherEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTetherEventRepository 创建事件日志仓库
func NewTetherEventRepository(db *sql.DB, logger *zap.Logger) *TetherEventRepository {
	return &TetherEventRepository{
		db:     db,
		logger: logger,
	}
}

// CreateTetherEvent 追加一条事件记录
func (r *TetherEventRepository) CreateTetherEvent(ctx context.Context, event *models.TetherEventRecord) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.TetherID == "" {
		return fmt.Errorf("tether_id is required")
	}
	if event.Kind == "" {
		return fmt.Errorf("kind is required")
	}

	query := `
		INSERT INTO tether_events (
			event_id,
			tether_id,
			kind,
			event_type,
			urgency_level,
			actor_id,
			occurred_at,
			payload,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.TetherID,
		event.Kind,
		event.EventType,
		nullString(event.UrgencyLevel),
		nullString(event.ActorID),
		event.OccurredAt,
		[]byte(payload),
		event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create tether event: %w", err)
	}

	return nil
}

// CountEventsSince 统计某个 kind 自 since 起的事件数（统计视图用）
func (r *TetherEventRepository) CountEventsSince(ctx context.Context, kind string, since time.Time) (int, error) {
	if kind == "" {
		return 0, fmt.Errorf("kind is required")
	}

	query := `
		SELECT COUNT(*)
		FROM tether_events
		WHERE kind = $1 AND occurred_at >= $2
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, kind, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tether events: %w", err)
	}

	return count, nil
}

// ListEventsByTether 按纽带倒序读取事件（排障/审计用）
func (r *TetherEventRepository) ListEventsByTether(ctx context.Context, tetherID string, limit int) ([]*models.TetherEventRecord, error) {
	if tetherID == "" {
		return nil, fmt.Errorf("tether_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT
			event_id,
			tether_id,
			kind,
			event_type,
			urgency_level,
			actor_id,
			occurred_at,
			payload,
			created_at
		FROM tether_events
		WHERE tether_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, tetherID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tether events: %w", err)
	}
	defer rows.Close()

	events := []*models.TetherEventRecord{}
	for rows.Next() {
		var event models.TetherEventRecord
		var urgencyLevel, actorID sql.NullString
		var payload []byte

		err := rows.Scan(
			&event.EventID,
			&event.TetherID,
			&event.Kind,
			&event.EventType,
			&urgencyLevel,
			&actorID,
			&event.OccurredAt,
			&payload,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tether event: %w", err)
		}

		if urgencyLevel.Valid {
			event.UrgencyLevel = urgencyLevel.String
		}
		if actorID.Valid {
			event.ActorID = actorID.String
		}
		event.Payload = payload

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tether events: %w", err)
	}

	return events, nil
}
