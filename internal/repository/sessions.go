package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SessionProjectionRepository 会话读模型仓库（对应 session_projections 表）
type SessionProjectionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionProjectionRepository 创建会话读模型仓库
func NewSessionProjectionRepository(db *sql.DB, logger *zap.Logger) *SessionProjectionRepository {
	return &SessionProjectionRepository{
		db:     db,
		logger: logger,
	}
}

// SessionFilters 会话列表过滤条件
type SessionFilters struct {
	ExerciseID *string
	Status     *string
	Since      *time.Time
	Limit      int
	Offset     int
}

// Upsert 写入/更新会话读模型（按 session_id 幂等覆盖）
func (r *SessionProjectionRepository) Upsert(ctx context.Context, record *models.SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	setsJSON, err := json.Marshal(record.Sets)
	if err != nil {
		return fmt.Errorf("failed to marshal sets: %w", err)
	}

	query := `
		INSERT INTO session_projections (
			session_id, patient_id, exercise_id, status,
			target_sets, target_reps_per_set, sets,
			total_sets, total_reps, average_quality,
			started_at, ended_at, last_version, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, CURRENT_TIMESTAMP)
		ON CONFLICT (session_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			exercise_id = EXCLUDED.exercise_id,
			status = EXCLUDED.status,
			target_sets = EXCLUDED.target_sets,
			target_reps_per_set = EXCLUDED.target_reps_per_set,
			sets = EXCLUDED.sets,
			total_sets = EXCLUDED.total_sets,
			total_reps = EXCLUDED.total_reps,
			average_quality = EXCLUDED.average_quality,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			last_version = EXCLUDED.last_version,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = r.db.ExecContext(ctx, query,
		record.SessionID,
		record.PatientID,
		record.ExerciseID,
		record.Status,
		record.TargetSets,
		record.TargetRepsPerSet,
		setsJSON,
		record.TotalSets,
		record.TotalReps,
		record.AverageQuality,
		record.StartedAt,
		record.EndedAt,
		record.LastVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session projection: %w", err)
	}

	return nil
}

// Get 按 session_id 获取会话读模型（不存在返回 nil）
func (r *SessionProjectionRepository) Get(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := sessionSelectColumns + ` WHERE session_id = $1`

	row := r.db.QueryRowContext(ctx, query, sessionID)
	record, err := scanSessionRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session projection: %w", err)
	}

	return record, nil
}

// ListByPatient 按患者列出会话（可按动作/状态/时间过滤，started_at 倒序）
func (r *SessionProjectionRepository) ListByPatient(ctx context.Context, patientID string, filters SessionFilters) ([]*models.SessionRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	where := []string{"patient_id = $1"}
	args := []interface{}{patientID}
	argN := 2

	if filters.ExerciseID != nil {
		where = append(where, fmt.Sprintf("exercise_id = $%d", argN))
		args = append(args, *filters.ExerciseID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("started_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY started_at DESC NULLS LAST LIMIT $%d OFFSET $%d`,
		sessionSelectColumns, strings.Join(where, " AND "), argN, argN+1)
	args = append(args, limit, filters.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session projections: %w", err)
	}
	defer rows.Close()

	records := []*models.SessionRecord{}
	for rows.Next() {
		record, err := scanSessionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session projection: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session projections: %w", err)
	}

	return records, nil
}

// DeleteByPatient 删除患者的全部会话读模型（重建投影时使用）
func (r *SessionProjectionRepository) DeleteByPatient(ctx context.Context, patientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_projections WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete session projections: %w", err)
	}
	return nil
}

const sessionSelectColumns = `
	SELECT
		session_id, patient_id, exercise_id, status,
		target_sets, target_reps_per_set, sets,
		total_sets, total_reps, average_quality,
		started_at, ended_at, last_version, updated_at
	FROM session_projections
`

// rowScanner *sql.Row 与 *sql.Rows 的公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRecord(row rowScanner) (*models.SessionRecord, error) {
	var record models.SessionRecord
	var setsJSON []byte
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&record.SessionID,
		&record.PatientID,
		&record.ExerciseID,
		&record.Status,
		&record.TargetSets,
		&record.TargetRepsPerSet,
		&setsJSON,
		&record.TotalSets,
		&record.TotalReps,
		&record.AverageQuality,
		&startedAt,
		&endedAt,
		&record.LastVersion,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(setsJSON) > 0 {
		if err := json.Unmarshal(setsJSON, &record.Sets); err != nil {
			record.Sets = nil
		}
	}
	if startedAt.Valid {
		record.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		record.EndedAt = &endedAt.Time
	}

	return &record, nil
}
