package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SessionStore 会话投影所需的存储操作
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	Upsert(ctx context.Context, record *models.SessionRecord) error
	DeleteByPatient(ctx context.Context, patientID string) error
}

// SessionProjection 会话读模型：把会话事件增量折叠为单行记录
type SessionProjection struct {
	store  SessionStore
	logger *zap.Logger
}

// NewSessionProjection 创建会话投影
func NewSessionProjection(store SessionStore, logger *zap.Logger) *SessionProjection {
	return &SessionProjection{
		store:  store,
		logger: logger,
	}
}

// Name 投影名称（处理标记的命名空间）
func (p *SessionProjection) Name() string {
	return "session"
}

// Apply 折叠一个会话事件；非会话事件为 no-op
func (p *SessionProjection) Apply(ctx context.Context, event *models.Event) error {
	if event.Kind != models.KindExerciseSession {
		return nil
	}

	var body models.SessionBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return fmt.Errorf("malformed session body: %w", err)
	}

	record, err := p.store.Get(ctx, body.SessionID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.SessionRecord{
			SessionID: body.SessionID,
			PatientID: event.SubjectID,
			Status:    models.SessionActive,
		}
	}

	// 版本守卫：旧事件迟到不回退记录
	if event.Version <= record.LastVersion {
		p.logger.Debug("Stale session event, skipping",
			zap.String("session_id", body.SessionID),
			zap.Int64("event_version", event.Version),
			zap.Int64("record_version", record.LastVersion))
		return nil
	}

	switch body.Phase {
	case models.PhaseStarted:
		record.PatientID = event.SubjectID
		record.ExerciseID = body.ExerciseID
		record.Status = models.SessionActive
		record.TargetSets = body.TargetSets
		record.TargetRepsPerSet = body.TargetRepsPerSet
		startedAt := event.OccurredAt
		record.StartedAt = &startedAt

	case models.PhaseSetRecorded:
		record.Sets = append(record.Sets, models.SessionSet{
			SetNumber:     body.SetNumber,
			RepsCompleted: body.RepsCompleted,
			QualityScore:  body.QualityScore,
			RecordedAt:    event.OccurredAt,
		})
		record.TotalSets = len(record.Sets)
		record.TotalReps += body.RepsCompleted
		record.AverageQuality = averageSetQuality(record.Sets)

	case models.PhaseEnded:
		if body.CompletionStatus == models.CompletionCancelled {
			record.Status = models.SessionCancelled
		} else {
			record.Status = models.SessionEnded
		}
		endedAt := event.OccurredAt
		record.EndedAt = &endedAt
	}

	record.LastVersion = event.Version

	return p.store.Upsert(ctx, record)
}

// Reset 删除患者的全部会话记录
func (p *SessionProjection) Reset(ctx context.Context, patientID string) error {
	return p.store.DeleteByPatient(ctx, patientID)
}

func averageSetQuality(sets []models.SessionSet) float64 {
	if len(sets) == 0 {
		return 0
	}
	sum := 0.0
	for _, set := range sets {
		sum += set.QualityScore
	}
	return sum / float64(len(sets))
}
