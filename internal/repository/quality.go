package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// QualityRepository 动作质量读模型仓库（对应 quality_projections 表）
type QualityRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewQualityRepository 创建动作质量读模型仓库
func NewQualityRepository(db *sql.DB, logger *zap.Logger) *QualityRepository {
	return &QualityRepository{
		db:     db,
		logger: logger,
	}
}

// Get 获取患者质量记录（不存在返回 nil）
func (r *QualityRepository) Get(ctx context.Context, patientID string) (*models.QualityRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT
			patient_id, total_observations, average_score, min_score, max_score,
			previous_average, by_exercise,
			joint_angle_avg, joint_angle_samples, joint_deviations,
			anomaly_count, trend, decline_rate, updated_at
		FROM quality_projections
		WHERE patient_id = $1
	`

	var record models.QualityRecord
	var byExercise []byte

	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&record.PatientID,
		&record.TotalObservations,
		&record.AverageScore,
		&record.MinScore,
		&record.MaxScore,
		&record.PreviousAverage,
		&byExercise,
		&record.JointAngleAvg,
		&record.JointAngleSamples,
		&record.JointDeviations,
		&record.AnomalyCount,
		&record.Trend,
		&record.DeclineRate,
		&record.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quality projection: %w", err)
	}

	record.ByExercise = make(map[string]models.ExerciseQuality)
	if len(byExercise) > 0 {
		if err := json.Unmarshal(byExercise, &record.ByExercise); err != nil {
			record.ByExercise = make(map[string]models.ExerciseQuality)
		}
	}

	return &record, nil
}

// Upsert 写入/更新患者质量记录
func (r *QualityRepository) Upsert(ctx context.Context, record *models.QualityRecord) error {
	if record.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}

	byExercise, err := json.Marshal(record.ByExercise)
	if err != nil {
		return fmt.Errorf("failed to marshal per-exercise stats: %w", err)
	}

	query := `
		INSERT INTO quality_projections (
			patient_id, total_observations, average_score, min_score, max_score,
			previous_average, by_exercise,
			joint_angle_avg, joint_angle_samples, joint_deviations,
			anomaly_count, trend, decline_rate, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, CURRENT_TIMESTAMP)
		ON CONFLICT (patient_id) DO UPDATE SET
			total_observations = EXCLUDED.total_observations,
			average_score = EXCLUDED.average_score,
			min_score = EXCLUDED.min_score,
			max_score = EXCLUDED.max_score,
			previous_average = EXCLUDED.previous_average,
			by_exercise = EXCLUDED.by_exercise,
			joint_angle_avg = EXCLUDED.joint_angle_avg,
			joint_angle_samples = EXCLUDED.joint_angle_samples,
			joint_deviations = EXCLUDED.joint_deviations,
			anomaly_count = EXCLUDED.anomaly_count,
			trend = EXCLUDED.trend,
			decline_rate = EXCLUDED.decline_rate,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = r.db.ExecContext(ctx, query,
		record.PatientID,
		record.TotalObservations,
		record.AverageScore,
		record.MinScore,
		record.MaxScore,
		record.PreviousAverage,
		byExercise,
		record.JointAngleAvg,
		record.JointAngleSamples,
		record.JointDeviations,
		record.AnomalyCount,
		record.Trend,
		record.DeclineRate,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quality projection: %w", err)
	}

	return nil
}

// Delete 删除患者质量记录（重建投影时使用）
func (r *QualityRepository) Delete(ctx context.Context, patientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM quality_projections WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete quality projection: %w", err)
	}
	return nil
}
