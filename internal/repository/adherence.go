package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// AdherenceRepository 依从性读模型仓库（对应 adherence_projections 表）
type AdherenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAdherenceRepository 创建依从性读模型仓库
func NewAdherenceRepository(db *sql.DB, logger *zap.Logger) *AdherenceRepository {
	return &AdherenceRepository{
		db:     db,
		logger: logger,
	}
}

// Get 获取患者依从性记录（不存在返回 nil）
func (r *AdherenceRepository) Get(ctx context.Context, patientID string) (*models.AdherenceRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT
			patient_id, sessions_completed, sessions_prescribed, completion_rate,
			current_streak, longest_streak, streak_forgiven,
			last_session_date, trend, updated_at
		FROM adherence_projections
		WHERE patient_id = $1
	`

	var record models.AdherenceRecord
	var lastSession sql.NullTime

	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&record.PatientID,
		&record.SessionsCompleted,
		&record.SessionsPrescribed,
		&record.CompletionRate,
		&record.CurrentStreak,
		&record.LongestStreak,
		&record.StreakForgiven,
		&lastSession,
		&record.Trend,
		&record.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get adherence projection: %w", err)
	}

	if lastSession.Valid {
		record.LastSessionDate = &lastSession.Time
	}

	return &record, nil
}

// Upsert 写入/更新患者依从性记录
func (r *AdherenceRepository) Upsert(ctx context.Context, record *models.AdherenceRecord) error {
	if record.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}

	query := `
		INSERT INTO adherence_projections (
			patient_id, sessions_completed, sessions_prescribed, completion_rate,
			current_streak, longest_streak, streak_forgiven,
			last_session_date, trend, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
		ON CONFLICT (patient_id) DO UPDATE SET
			sessions_completed = EXCLUDED.sessions_completed,
			sessions_prescribed = EXCLUDED.sessions_prescribed,
			completion_rate = EXCLUDED.completion_rate,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			streak_forgiven = EXCLUDED.streak_forgiven,
			last_session_date = EXCLUDED.last_session_date,
			trend = EXCLUDED.trend,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.ExecContext(ctx, query,
		record.PatientID,
		record.SessionsCompleted,
		record.SessionsPrescribed,
		record.CompletionRate,
		record.CurrentStreak,
		record.LongestStreak,
		record.StreakForgiven,
		record.LastSessionDate,
		record.Trend,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert adherence projection: %w", err)
	}

	return nil
}

// Delete 删除患者依从性记录（重建投影时使用）
func (r *AdherenceRepository) Delete(ctx context.Context, patientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM adherence_projections WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete adherence projection: %w", err)
	}
	return nil
}
