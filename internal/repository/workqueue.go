package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// WorkQueueRepository 临床工单仓库（对应 work_queue_items 表）
type WorkQueueRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWorkQueueRepository 创建工单仓库
func NewWorkQueueRepository(db *sql.DB, logger *zap.Logger) *WorkQueueRepository {
	return &WorkQueueRepository{
		db:     db,
		logger: logger,
	}
}

// WorkQueueFilters 工单列表过滤条件
type WorkQueueFilters struct {
	Status   *string
	Priority *string
	Limit    int
	Offset   int
}

// Create 创建工单（同一 source_event_id 重复创建为 no-op，保证重放幂等）
func (r *WorkQueueRepository) Create(ctx context.Context, item *models.WorkQueueItem) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("id is required")
	}
	if item.PatientID == "" {
		return false, fmt.Errorf("patient_id is required")
	}

	query := `
		INSERT INTO work_queue_items (
			id, patient_id, source_event_id, alert_type, assigned_owner,
			priority, status, sla_status, due_date, completed_at, detail,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (source_event_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		item.ID,
		item.PatientID,
		item.SourceEventID,
		item.AlertType,
		item.AssignedOwner,
		item.Priority,
		item.Status,
		item.SLAStatus,
		item.DueDate,
		item.CompletedAt,
		[]byte(item.Detail),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected > 0, nil
}

// Get 按工单 ID 获取（不存在返回 nil）
func (r *WorkQueueRepository) Get(ctx context.Context, id string) (*models.WorkQueueItem, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}

	query := workItemSelectColumns + ` WHERE id = $1`

	item, err := scanWorkItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}

	return item, nil
}

// ListByPatient 按患者列出工单（due_date 升序，最紧迫在前）
func (r *WorkQueueRepository) ListByPatient(ctx context.Context, patientID string, filters WorkQueueFilters) ([]*models.WorkQueueItem, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	where := []string{"patient_id = $1"}
	args := []interface{}{patientID}
	argN := 2

	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if filters.Priority != nil {
		where = append(where, fmt.Sprintf("priority = $%d", argN))
		args = append(args, *filters.Priority)
		argN++
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY due_date ASC LIMIT $%d OFFSET $%d`,
		workItemSelectColumns, strings.Join(where, " AND "), argN, argN+1)
	args = append(args, limit, filters.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	items := []*models.WorkQueueItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}

	return items, nil
}

// Claim 认领工单：pending → in_progress 并记录负责人
// 返回 false 表示工单不存在或不在 pending 状态
func (r *WorkQueueRepository) Claim(ctx context.Context, id, owner string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("id is required")
	}
	if owner == "" {
		return false, fmt.Errorf("owner is required")
	}

	query := `
		UPDATE work_queue_items
		SET status = $1, assigned_owner = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, models.WorkItemInProgress, owner, id, models.WorkItemPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected > 0, nil
}

// Complete 完成工单：记录完成时间与最终 SLA 结果（met / missed）
// 返回 false 表示工单不存在或已完成
func (r *WorkQueueRepository) Complete(ctx context.Context, id, slaStatus string, completedAt time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("id is required")
	}

	query := `
		UPDATE work_queue_items
		SET status = $1, sla_status = $2, completed_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status != $1
	`

	result, err := r.db.ExecContext(ctx, query, models.WorkItemCompleted, slaStatus, completedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return affected > 0, nil
}

// CountActive 统计患者未完成工单数（摘要投影使用）
func (r *WorkQueueRepository) CountActive(ctx context.Context, patientID string) (int, error) {
	if patientID == "" {
		return 0, fmt.Errorf("patient_id is required")
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_queue_items WHERE patient_id = $1 AND status != $2`,
		patientID, models.WorkItemCompleted,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active work items: %w", err)
	}

	return count, nil
}

// ListOpenPastDue 列出已过期的未完成工单（超时巡检使用）
func (r *WorkQueueRepository) ListOpenPastDue(ctx context.Context, now time.Time, limit int) ([]*models.WorkQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := workItemSelectColumns + `
		WHERE status != $1 AND due_date < $2
		ORDER BY due_date ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.WorkItemCompleted, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue work items: %w", err)
	}
	defer rows.Close()

	items := []*models.WorkQueueItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}

	return items, nil
}

// UpdateSLAStatus 更新工单的 SLA 状态（on_track / at_risk / missed）
func (r *WorkQueueRepository) UpdateSLAStatus(ctx context.Context, id, slaStatus string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE work_queue_items SET sla_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		slaStatus, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update sla status: %w", err)
	}
	return nil
}

// DeleteByPatient 删除患者的全部工单（重建投影时使用）
func (r *WorkQueueRepository) DeleteByPatient(ctx context.Context, patientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM work_queue_items WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete work items: %w", err)
	}
	return nil
}

const workItemSelectColumns = `
	SELECT
		id, patient_id, source_event_id, alert_type, assigned_owner,
		priority, status, sla_status, due_date, completed_at, detail,
		created_at, updated_at
	FROM work_queue_items
`

func scanWorkItem(row rowScanner) (*models.WorkQueueItem, error) {
	var item models.WorkQueueItem
	var owner sql.NullString
	var completedAt sql.NullTime
	var detail []byte

	err := row.Scan(
		&item.ID,
		&item.PatientID,
		&item.SourceEventID,
		&item.AlertType,
		&owner,
		&item.Priority,
		&item.Status,
		&item.SLAStatus,
		&item.DueDate,
		&completedAt,
		&detail,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if owner.Valid {
		item.AssignedOwner = &owner.String
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	item.Detail = detail

	return &item, nil
}
