package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"rehab-tracking/internal/models"
)

// AdherenceReader 依从性读模型查询
type AdherenceReader interface {
	Get(ctx context.Context, patientID string) (*models.AdherenceRecord, error)
}

// AdherenceRule 依从性规则：患者回归训练时检查缺席时长
//   - 距上次完成训练超过 alertDays 天：missed_session_pattern 报警
//   - 超过 nudgeDays 天：nudge 反馈
type AdherenceRule struct {
	adherence AdherenceReader
	nudgeDays int
	alertDays int
}

// NewAdherenceRule 创建依从性规则
func NewAdherenceRule(adherence AdherenceReader, nudgeDays, alertDays int) *AdherenceRule {
	if nudgeDays <= 0 {
		nudgeDays = 3
	}
	if alertDays <= 0 {
		alertDays = 7
	}
	return &AdherenceRule{
		adherence: adherence,
		nudgeDays: nudgeDays,
		alertDays: alertDays,
	}
}

// Name 规则名称
func (r *AdherenceRule) Name() string {
	return "adherence_gap"
}

// Evaluate 仅对会话 started 事件评估（此时 last_session_date 尚未被本次会话推进）
func (r *AdherenceRule) Evaluate(ctx context.Context, event *models.Event) ([]*models.Event, error) {
	if event.Kind != models.KindExerciseSession {
		return nil, nil
	}

	var body models.SessionBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return nil, fmt.Errorf("malformed session body: %w", err)
	}
	if body.Phase != models.PhaseStarted {
		return nil, nil
	}

	record, err := r.adherence.Get(ctx, event.SubjectID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.LastSessionDate == nil {
		return nil, nil
	}

	gapDays := int(event.OccurredAt.Sub(*record.LastSessionDate).Hours() / 24)

	if gapDays > r.alertDays {
		alertBody, err := models.MarshalBody(&models.AlertBody{
			AlertType:  models.AlertMissedSessions,
			Priority:   models.PriorityHigh,
			Message:    fmt.Sprintf("no completed session in %d days", gapDays),
			SourceRule: r.Name(),
		})
		if err != nil {
			return nil, err
		}
		return []*models.Event{{
			SubjectID: event.SubjectID,
			Kind:      models.KindAlert,
			Body:      alertBody,
		}}, nil
	}

	if gapDays > r.nudgeDays {
		nudgeBody, err := models.MarshalBody(&models.FeedbackBody{
			FeedbackType: models.FeedbackNudge,
			Message:      fmt.Sprintf("welcome back, it has been %d days since your last session", gapDays),
			SessionID:    body.SessionID,
			SourceRule:   r.Name(),
		})
		if err != nil {
			return nil, err
		}
		return []*models.Event{{
			SubjectID: event.SubjectID,
			Kind:      models.KindFeedback,
			Body:      nudgeBody,
		}}, nil
	}

	return nil, nil
}
