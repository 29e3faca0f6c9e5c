package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rehab-tracking/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// EventRepository 事件日志仓库（append-only，对应 events 表）
// 流按 subject_id（患者）隔离，version 在流内由唯一约束
// (subject_id, version) 保证严格递增；event_id 全局唯一
type EventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventRepository 创建事件日志仓库
func NewEventRepository(db *sql.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// ErrVersionConflict 并发追加导致的版本冲突（调用方有界重试）
var ErrVersionConflict = fmt.Errorf("version conflict")

// EventFilters 事件读取过滤条件
type EventFilters struct {
	FromVersion int64      // 起始版本（含），0 表示从头
	Count       int        // 最多返回条数，0 表示不限
	Kind        *string    // 事件类型过滤
	Since       *time.Time // occurred_at >= Since
}

// Append 追加事件并分配版本号（version = 当前流最大版本 + 1）
// event_id 冲突时为幂等重放：不再写入，返回已存储的版本号
func (r *EventRepository) Append(ctx context.Context, event *models.Event) (int64, error) {
	if event.SubjectID == "" {
		return 0, fmt.Errorf("subject_id is required")
	}
	if event.EventID == "" {
		return 0, fmt.Errorf("event_id is required")
	}

	auditJSON, err := json.Marshal(event.Meta.AuditTrail)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit trail: %w", err)
	}

	// 单条 INSERT...SELECT 计算下一版本；并发竞争由 (subject_id, version)
	// 唯一约束拦截，上层携带相同 event_id 重试
	query := `
		INSERT INTO events (
			event_id,
			subject_id,
			version,
			kind,
			body,
			occurred_at,
			phi_flag,
			consent_verified,
			audit_trail,
			created_at
		)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP
		FROM events
		WHERE subject_id = $2
		ON CONFLICT (event_id) DO NOTHING
		RETURNING version
	`

	var version int64
	err = r.db.QueryRowContext(ctx, query,
		event.EventID,
		event.SubjectID,
		event.Kind,
		[]byte(event.Body),
		event.OccurredAt,
		event.Meta.PHIFlag,
		event.Meta.ConsentVerified,
		auditJSON,
	).Scan(&version)

	if err != nil {
		if err == sql.ErrNoRows {
			// event_id 已存在：幂等重放，返回已有版本
			return r.versionByEventID(ctx, event.EventID)
		}
		if isUniqueViolation(err) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	return version, nil
}

// versionByEventID 查询已存储事件的版本号
func (r *EventRepository) versionByEventID(ctx context.Context, eventID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM events WHERE event_id = $1`,
		eventID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get stored event version: %w", err)
	}
	return version, nil
}

// CurrentVersion 查询流的当前版本（空流返回 0）
func (r *EventRepository) CurrentVersion(ctx context.Context, subjectID string) (int64, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("subject_id is required")
	}

	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE subject_id = $1`,
		subjectID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Read 按版本升序读取单个流的事件
func (r *EventRepository) Read(ctx context.Context, subjectID string, filters EventFilters) ([]*models.Event, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	where := []string{"subject_id = $1"}
	args := []interface{}{subjectID}
	argN := 2

	if filters.FromVersion > 0 {
		where = append(where, fmt.Sprintf("version >= $%d", argN))
		args = append(args, filters.FromVersion)
		argN++
	}
	if filters.Kind != nil {
		where = append(where, fmt.Sprintf("kind = $%d", argN))
		args = append(args, *filters.Kind)
		argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("occurred_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}

	limitClause := ""
	if filters.Count > 0 {
		limitClause = fmt.Sprintf("LIMIT $%d", argN)
		args = append(args, filters.Count)
	}

	query := fmt.Sprintf(`
		SELECT
			event_id,
			subject_id,
			version,
			kind,
			body,
			occurred_at,
			phi_flag,
			consent_verified,
			audit_trail
		FROM events
		WHERE %s
		ORDER BY version ASC
		%s
	`, strings.Join(where, " AND "), limitClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		var event models.Event
		var body, auditTrail []byte

		err := rows.Scan(
			&event.EventID,
			&event.SubjectID,
			&event.Version,
			&event.Kind,
			&body,
			&event.OccurredAt,
			&event.Meta.PHIFlag,
			&event.Meta.ConsentVerified,
			&auditTrail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Body = body
		if len(auditTrail) > 0 {
			if err := json.Unmarshal(auditTrail, &event.Meta.AuditTrail); err != nil {
				event.Meta.AuditTrail = nil
			}
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// GetByEventID 按 event_id 获取单个事件
func (r *EventRepository) GetByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `
		SELECT
			event_id,
			subject_id,
			version,
			kind,
			body,
			occurred_at,
			phi_flag,
			consent_verified,
			audit_trail
		FROM events
		WHERE event_id = $1
	`

	var event models.Event
	var body, auditTrail []byte

	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&event.EventID,
		&event.SubjectID,
		&event.Version,
		&event.Kind,
		&body,
		&event.OccurredAt,
		&event.Meta.PHIFlag,
		&event.Meta.ConsentVerified,
		&auditTrail,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	event.Body = body
	if len(auditTrail) > 0 {
		if err := json.Unmarshal(auditTrail, &event.Meta.AuditTrail); err != nil {
			event.Meta.AuditTrail = nil
		}
	}

	return &event, nil
}

// isUniqueViolation 检查唯一约束冲突（PostgreSQL 23505）
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
