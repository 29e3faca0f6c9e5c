package service

import (
	"context"
	"fmt"
	"time"

	"rehab-tracking/internal/domain"
	"rehab-tracking/internal/models"
	"rehab-tracking/internal/projection"
	"rehab-tracking/internal/repository"

	"go.uber.org/zap"
)

// GetSession 按 session_id 查询会话读模型（不存在返回 nil）
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	return s.sessions.Get(ctx, sessionID)
}

// ListPatientSessions 按患者查询会话列表
func (s *Service) ListPatientSessions(ctx context.Context, patientID string, filters repository.SessionFilters) ([]*models.SessionRecord, error) {
	return s.sessions.ListByPatient(ctx, patientID, filters)
}

// GetPatientAdherence 查询患者依从性
func (s *Service) GetPatientAdherence(ctx context.Context, patientID string) (*models.AdherenceRecord, error) {
	return s.adherence.Get(ctx, patientID)
}

// GetPatientQuality 查询患者动作质量
func (s *Service) GetPatientQuality(ctx context.Context, patientID string) (*models.QualityRecord, error) {
	return s.quality.Get(ctx, patientID)
}

// GetPatientWorkQueue 查询患者工单，未完成工单的 SLA 状态按当前时刻现算
func (s *Service) GetPatientWorkQueue(ctx context.Context, patientID string, filters repository.WorkQueueFilters) ([]*models.WorkQueueItem, error) {
	items, err := s.workQueue.ListByPatient(ctx, patientID, filters)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, item := range items {
		item.SLAStatus = projection.SLAStatusAt(item, now)
	}
	return items, nil
}

// ClaimWorkItem 认领工单（pending → in_progress）
func (s *Service) ClaimWorkItem(ctx context.Context, itemID, owner string) error {
	claimed, err := s.workQueue.Claim(ctx, itemID, owner)
	if err != nil {
		return err
	}
	if !claimed {
		return &domain.StateConflictError{Reason: "work_item_not_claimable"}
	}

	s.logger.Info("Work item claimed",
		zap.String("work_item_id", itemID),
		zap.String("owner", owner))
	return nil
}

// CompleteWorkItem 完成工单，按截止时间定格 SLA 结果
func (s *Service) CompleteWorkItem(ctx context.Context, itemID string) error {
	item, err := s.workQueue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return domain.NewValidationError("work item not found: %s", itemID)
	}

	now := time.Now().UTC()
	slaStatus := models.SLAMet
	if now.After(item.DueDate) {
		slaStatus = models.SLAMissed
	}

	completed, err := s.workQueue.Complete(ctx, itemID, slaStatus, now)
	if err != nil {
		return err
	}
	if !completed {
		return &domain.StateConflictError{Reason: "work_item_already_completed"}
	}

	s.logger.Info("Work item completed",
		zap.String("work_item_id", itemID),
		zap.String("sla_status", slaStatus))
	return nil
}

// GetPatientSummary 查询患者摘要（过期自动刷新）
func (s *Service) GetPatientSummary(ctx context.Context, patientID string) (*models.PatientSummary, error) {
	return s.summaryProj.EnsureFresh(ctx, patientID)
}

// ReadEvents 读取患者事件流（审计/调试视角）
func (s *Service) ReadEvents(ctx context.Context, patientID string, filters repository.EventFilters) ([]*models.Event, error) {
	return s.store.Read(ctx, patientID, filters)
}

// RebuildPatient 重建患者的全部读模型：清空后从事件日志完整重放
// 事件日志是唯一事实来源，重建结果与增量折叠一致
func (s *Service) RebuildPatient(ctx context.Context, patientID string) error {
	if patientID == "" {
		return domain.NewValidationError("patient_id is required")
	}

	s.logger.Info("Rebuilding patient projections", zap.String("patient_id", patientID))

	if err := s.dispatcher.ResetPatient(ctx, patientID); err != nil {
		return err
	}

	events, err := s.store.Read(ctx, patientID, repository.EventFilters{})
	if err != nil {
		return err
	}

	for i, err := range s.dispatcher.ApplyBatch(ctx, events) {
		if err != nil {
			return fmt.Errorf("replay stopped at version %d: %w", events[i].Version, err)
		}
	}

	s.logger.Info("Patient projections rebuilt",
		zap.String("patient_id", patientID),
		zap.Int("events_replayed", len(events)))
	return nil
}
