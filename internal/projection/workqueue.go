package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rehab-tracking/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkQueueStore 工单投影所需的存储操作
type WorkQueueStore interface {
	Create(ctx context.Context, item *models.WorkQueueItem) (bool, error)
	ListOpenPastDue(ctx context.Context, now time.Time, limit int) ([]*models.WorkQueueItem, error)
	UpdateSLAStatus(ctx context.Context, id, slaStatus string) error
	DeleteByPatient(ctx context.Context, patientID string) error
}

// SLATable 按优先级给出 SLA 时长
type SLATable func(priority string) int

// WorkQueueNotifier 工单创建通知（urgent 推送用，可为 nil）
type WorkQueueNotifier interface {
	NotifyWorkItem(ctx context.Context, item *models.WorkQueueItem)
}

// WorkQueueProjection 临床工单读模型：alert 事件 → 带 SLA 的工单
// 工单按 source_event_id 去重，重放不会产生重复工单
type WorkQueueProjection struct {
	store    WorkQueueStore
	slaHours SLATable
	notifier WorkQueueNotifier
	logger   *zap.Logger
}

// NewWorkQueueProjection 创建工单投影
func NewWorkQueueProjection(store WorkQueueStore, slaHours SLATable, notifier WorkQueueNotifier, logger *zap.Logger) *WorkQueueProjection {
	return &WorkQueueProjection{
		store:    store,
		slaHours: slaHours,
		notifier: notifier,
		logger:   logger,
	}
}

// Name 投影名称
func (p *WorkQueueProjection) Name() string {
	return "work_queue"
}

// Apply 将 alert 事件物化为工单；非 alert 事件为 no-op
func (p *WorkQueueProjection) Apply(ctx context.Context, event *models.Event) error {
	if event.Kind != models.KindAlert {
		return nil
	}

	var body models.AlertBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return fmt.Errorf("malformed alert body: %w", err)
	}

	sla := time.Duration(p.slaHours(body.Priority)) * time.Hour
	item := &models.WorkQueueItem{
		ID:            uuid.New().String(),
		PatientID:     event.SubjectID,
		SourceEventID: event.EventID,
		AlertType:     body.AlertType,
		Priority:      body.Priority,
		Status:        models.WorkItemPending,
		SLAStatus:     models.SLAOnTrack,
		DueDate:       event.OccurredAt.Add(sla),
		Detail:        event.Body,
	}

	created, err := p.store.Create(ctx, item)
	if err != nil {
		return err
	}
	if !created {
		p.logger.Debug("Work item already exists for alert",
			zap.String("source_event_id", event.EventID))
		return nil
	}

	p.logger.Info("Work item created",
		zap.String("work_item_id", item.ID),
		zap.String("patient_id", item.PatientID),
		zap.String("alert_type", item.AlertType),
		zap.String("priority", item.Priority),
		zap.Time("due_date", item.DueDate))

	if p.notifier != nil && body.Priority == models.PriorityUrgent {
		p.notifier.NotifyWorkItem(ctx, item)
	}

	return nil
}

// Reset 删除患者的全部工单
func (p *WorkQueueProjection) Reset(ctx context.Context, patientID string) error {
	return p.store.DeleteByPatient(ctx, patientID)
}

// RefreshSLA 巡检未完成工单，过期项标记为 at_risk
// missed 只在超时完成时定格：工单仍开放就仍可处理
func (p *WorkQueueProjection) RefreshSLA(ctx context.Context, now time.Time) error {
	items, err := p.store.ListOpenPastDue(ctx, now, 500)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.SLAStatus == models.SLAAtRisk {
			continue
		}
		if err := p.store.UpdateSLAStatus(ctx, item.ID, models.SLAAtRisk); err != nil {
			return err
		}
		p.logger.Warn("Work item past due",
			zap.String("work_item_id", item.ID),
			zap.String("patient_id", item.PatientID),
			zap.String("priority", item.Priority),
			zap.String("severity", BreachSeverity(item, now)))
	}
	return nil
}

// SLAStatusAt 计算工单在给定时刻的 SLA 状态
// 已完成工单：按时 met，超时 missed；未完成工单：
// 已过截止时间 at_risk，否则 on_track
func SLAStatusAt(item *models.WorkQueueItem, now time.Time) string {
	if item.Status == models.WorkItemCompleted {
		if item.CompletedAt != nil && item.CompletedAt.After(item.DueDate) {
			return models.SLAMissed
		}
		return models.SLAMet
	}
	if now.After(item.DueDate) {
		return models.SLAAtRisk
	}
	return models.SLAOnTrack
}

// BreachSeverity 超时严重度：按 已用时长 / SLA 时长 的比值分级
// ≥2.0 critical，≥1.5 severe，≥1.0 moderate，否则 minor
func BreachSeverity(item *models.WorkQueueItem, now time.Time) string {
	reference := now
	if item.CompletedAt != nil {
		reference = *item.CompletedAt
	}

	sla := item.DueDate.Sub(item.CreatedAt)
	if sla <= 0 {
		return models.BreachCritical
	}

	ratio := float64(reference.Sub(item.CreatedAt)) / float64(sla)
	switch {
	case ratio >= 2.0:
		return models.BreachCritical
	case ratio >= 1.5:
		return models.BreachSevere
	case ratio >= 1.0:
		return models.BreachModerate
	default:
		return models.BreachMinor
	}
}
