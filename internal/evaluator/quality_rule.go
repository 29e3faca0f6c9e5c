package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"rehab-tracking/internal/models"
)

// QualityReader 动作质量读模型查询
type QualityReader interface {
	Get(ctx context.Context, patientID string) (*models.QualityRecord, error)
}

// QualityRule 动作质量规则：观测入账后按两层检查
//   - 单次观测：form_score 低于 alertScore 直接报警，低于 nudgeScore 给 nudge，
//     不受样本量限制（一次糟糕的动作必须立即可见）
//   - 患者均值：下穿 alertScore 报警（仅在穿越阈值时触发一次，持续低于不重复），
//     下穿 nudgeScore 给 nudge；趋势下滑且幅度超过 declineRate 报警
type QualityRule struct {
	quality     QualityReader
	alertScore  float64
	nudgeScore  float64
	declineRate float64
	minSamples  int
}

// NewQualityRule 创建动作质量规则
func NewQualityRule(quality QualityReader, alertScore, nudgeScore, declineRate float64, minSamples int) *QualityRule {
	if alertScore <= 0 {
		alertScore = 0.5
	}
	if nudgeScore <= 0 {
		nudgeScore = 0.7
	}
	if declineRate <= 0 {
		declineRate = 0.15
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &QualityRule{
		quality:     quality,
		alertScore:  alertScore,
		nudgeScore:  nudgeScore,
		declineRate: declineRate,
		minSamples:  minSamples,
	}
}

// Name 规则名称
func (r *QualityRule) Name() string {
	return "quality_threshold"
}

// Evaluate 仅对观测事件评估（投影已先行入账）
func (r *QualityRule) Evaluate(ctx context.Context, event *models.Event) ([]*models.Event, error) {
	if event.Kind != models.KindRepObservation {
		return nil, nil
	}

	var body models.RepObservationBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return nil, fmt.Errorf("malformed rep observation body: %w", err)
	}

	var derived []*models.Event

	// 第一层：单次观测直接对阈值
	switch {
	case body.FormScore < r.alertScore:
		alertBody, err := models.MarshalBody(&models.AlertBody{
			AlertType:  models.AlertQualityDecline,
			Priority:   models.PriorityHigh,
			Message:    fmt.Sprintf("form score %.2f below %.2f on %s", body.FormScore, r.alertScore, body.ExerciseID),
			SourceRule: r.Name(),
		})
		if err != nil {
			return nil, err
		}
		derived = append(derived, &models.Event{
			SubjectID: event.SubjectID,
			Kind:      models.KindAlert,
			Body:      alertBody,
		})
	case body.FormScore < r.nudgeScore:
		nudgeBody, err := models.MarshalBody(&models.FeedbackBody{
			FeedbackType: models.FeedbackNudge,
			Message:      fmt.Sprintf("form score %.2f on %s, focus on technique", body.FormScore, body.ExerciseID),
			SessionID:    body.SessionID,
			SourceRule:   r.Name(),
		})
		if err != nil {
			return nil, err
		}
		derived = append(derived, &models.Event{
			SubjectID: event.SubjectID,
			Kind:      models.KindFeedback,
			Body:      nudgeBody,
		})
	}

	// 第二层：患者均值，样本足够才有意义
	record, err := r.quality.Get(ctx, event.SubjectID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.TotalObservations < r.minSamples {
		return derived, nil
	}

	// 阈值穿越触发，持续低于阈值不重复报警；
	// 单次观测已在同一档触发时不再叠加
	crossedAlert := record.PreviousAverage >= r.alertScore && record.AverageScore < r.alertScore
	crossedNudge := record.PreviousAverage >= r.nudgeScore && record.AverageScore < r.nudgeScore
	declineAlert := record.Trend == models.TrendDeclining && record.DeclineRate > r.declineRate

	if (crossedAlert || declineAlert) && body.FormScore >= r.alertScore {
		reason := "average form score dropped below threshold"
		if declineAlert {
			reason = fmt.Sprintf("form quality declining at %.0f%%", record.DeclineRate*100)
		}
		alertBody, err := models.MarshalBody(&models.AlertBody{
			AlertType:  models.AlertQualityDecline,
			Priority:   models.PriorityHigh,
			Message:    fmt.Sprintf("%s (avg %.2f over %d observations)", reason, record.AverageScore, record.TotalObservations),
			SourceRule: r.Name(),
		})
		if err != nil {
			return nil, err
		}
		derived = append(derived, &models.Event{
			SubjectID: event.SubjectID,
			Kind:      models.KindAlert,
			Body:      alertBody,
		})
	} else if crossedNudge && body.FormScore >= r.nudgeScore {
		nudgeBody, err := models.MarshalBody(&models.FeedbackBody{
			FeedbackType: models.FeedbackNudge,
			Message:      fmt.Sprintf("form quality slipping, average score is %.2f", record.AverageScore),
			SourceRule:   r.Name(),
		})
		if err != nil {
			return nil, err
		}
		derived = append(derived, &models.Event{
			SubjectID: event.SubjectID,
			Kind:      models.KindFeedback,
			Body:      nudgeBody,
		})
	}

	return derived, nil
}
