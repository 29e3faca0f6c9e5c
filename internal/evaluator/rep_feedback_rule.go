package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rehab-tracking/internal/models"
)

// RepFeedbackRule 即时反馈规则：单次动作有明确动作错误
// 或 rep_quality 低于阈值时，产出 immediate 反馈
type RepFeedbackRule struct {
	qualityThreshold float64
}

// NewRepFeedbackRule 创建即时反馈规则
func NewRepFeedbackRule(qualityThreshold float64) *RepFeedbackRule {
	if qualityThreshold <= 0 {
		qualityThreshold = 0.6
	}
	return &RepFeedbackRule{qualityThreshold: qualityThreshold}
}

// Name 规则名称
func (r *RepFeedbackRule) Name() string {
	return "rep_feedback"
}

// Evaluate 仅对观测事件评估
func (r *RepFeedbackRule) Evaluate(ctx context.Context, event *models.Event) ([]*models.Event, error) {
	if event.Kind != models.KindRepObservation {
		return nil, nil
	}

	var body models.RepObservationBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return nil, fmt.Errorf("malformed rep observation body: %w", err)
	}

	lowQuality := body.RepQuality > 0 && body.RepQuality < r.qualityThreshold
	if len(body.FormErrors) == 0 && !lowQuality {
		return nil, nil
	}

	message := fmt.Sprintf("check your form on %s", body.ExerciseID)
	if len(body.FormErrors) > 0 {
		message = fmt.Sprintf("form issues on %s: %s", body.ExerciseID, strings.Join(body.FormErrors, ", "))
	}

	feedbackBody, err := models.MarshalBody(&models.FeedbackBody{
		FeedbackType: models.FeedbackImmediate,
		Message:      message,
		SessionID:    body.SessionID,
		SourceRule:   r.Name(),
	})
	if err != nil {
		return nil, err
	}

	return []*models.Event{{
		SubjectID: event.SubjectID,
		Kind:      models.KindFeedback,
		Body:      feedbackBody,
	}}, nil
}
