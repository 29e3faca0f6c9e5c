package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SnapshotRepository 流快照仓库（对应 snapshots 表）
// 快照仅是加速重建的缓存，丢失后可完整重放事件日志
type SnapshotRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSnapshotRepository 创建快照仓库
func NewSnapshotRepository(db *sql.DB, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:     db,
		logger: logger,
	}
}

// Save 保存快照（同一 (subject_id, version) 重复保存为 no-op）
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if snapshot.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}

	query := `
		INSERT INTO snapshots (subject_id, version, state_blob, created_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (subject_id, version) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		snapshot.SubjectID,
		snapshot.Version,
		[]byte(snapshot.StateBlob),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetLatest 获取流的最新快照（无快照返回 nil）
func (r *SnapshotRepository) GetLatest(ctx context.Context, subjectID string) (*models.Snapshot, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	query := `
		SELECT subject_id, version, state_blob, created_at
		FROM snapshots
		WHERE subject_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	var snapshot models.Snapshot
	var blob []byte

	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&snapshot.SubjectID,
		&snapshot.Version,
		&blob,
		&snapshot.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	snapshot.StateBlob = blob
	return &snapshot, nil
}

// DeleteBySubject 删除流的全部快照（重建投影时一并清理）
func (r *SnapshotRepository) DeleteBySubject(ctx context.Context, subjectID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE subject_id = $1`, subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
