package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SummaryRepository 患者摘要仓库（对应 patient_summaries 表）
type SummaryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSummaryRepository 创建患者摘要仓库
func NewSummaryRepository(db *sql.DB, logger *zap.Logger) *SummaryRepository {
	return &SummaryRepository{
		db:     db,
		logger: logger,
	}
}

// Get 获取患者摘要（不存在返回 nil）
func (r *SummaryRepository) Get(ctx context.Context, patientID string) (*models.PatientSummary, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT
			patient_id, priority_score, completion_rate, adherence_trend,
			quality_average, quality_trend, active_alerts,
			last_session_date, last_updated_at
		FROM patient_summaries
		WHERE patient_id = $1
	`

	var summary models.PatientSummary
	var lastSession sql.NullTime

	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&summary.PatientID,
		&summary.PriorityScore,
		&summary.CompletionRate,
		&summary.AdherenceTrend,
		&summary.QualityAverage,
		&summary.QualityTrend,
		&summary.ActiveAlerts,
		&lastSession,
		&summary.LastUpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get patient summary: %w", err)
	}

	if lastSession.Valid {
		summary.LastSessionDate = &lastSession.Time
	}

	return &summary, nil
}

// Upsert 写入/更新患者摘要
func (r *SummaryRepository) Upsert(ctx context.Context, summary *models.PatientSummary) error {
	if summary.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}

	query := `
		INSERT INTO patient_summaries (
			patient_id, priority_score, completion_rate, adherence_trend,
			quality_average, quality_trend, active_alerts,
			last_session_date, last_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)
		ON CONFLICT (patient_id) DO UPDATE SET
			priority_score = EXCLUDED.priority_score,
			completion_rate = EXCLUDED.completion_rate,
			adherence_trend = EXCLUDED.adherence_trend,
			quality_average = EXCLUDED.quality_average,
			quality_trend = EXCLUDED.quality_trend,
			active_alerts = EXCLUDED.active_alerts,
			last_session_date = EXCLUDED.last_session_date,
			last_updated_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.ExecContext(ctx, query,
		summary.PatientID,
		summary.PriorityScore,
		summary.CompletionRate,
		summary.AdherenceTrend,
		summary.QualityAverage,
		summary.QualityTrend,
		summary.ActiveAlerts,
		summary.LastSessionDate,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert patient summary: %w", err)
	}

	return nil
}

// Delete 删除患者摘要（重建投影时使用）
func (r *SummaryRepository) Delete(ctx context.Context, patientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM patient_summaries WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete patient summary: %w", err)
	}
	return nil
}
