package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// ProcessedEventRepository 投影消费位点仓库（对应 processed_events 表）
// 管道为至少一次投递，投影靠 (projection, event_id) 唯一约束去重
type ProcessedEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewProcessedEventRepository 创建消费位点仓库
func NewProcessedEventRepository(db *sql.DB, logger *zap.Logger) *ProcessedEventRepository {
	return &ProcessedEventRepository{
		db:     db,
		logger: logger,
	}
}

// MarkProcessed 标记事件已被某投影处理
// 返回 false 表示该事件此前已处理过（重投递），投影应跳过
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, projection, eventID, subjectID string) (bool, error) {
	if projection == "" {
		return false, fmt.Errorf("projection is required")
	}
	if eventID == "" {
		return false, fmt.Errorf("event_id is required")
	}

	query := `
		INSERT INTO processed_events (projection, event_id, subject_id, processed_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (projection, event_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, projection, eventID, subjectID)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected > 0, nil
}

// Unmark 撤销处理标记（投影应用失败时回滚，等待重投递再试）
func (r *ProcessedEventRepository) Unmark(ctx context.Context, projection, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE projection = $1 AND event_id = $2`,
		projection, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to unmark event: %w", err)
	}
	return nil
}

// DeleteBySubject 清除患者的全部处理标记（重建投影时使用）
func (r *ProcessedEventRepository) DeleteBySubject(ctx context.Context, subjectID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM processed_events WHERE subject_id = $1`, subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete processed marks: %w", err)
	}
	return nil
}
