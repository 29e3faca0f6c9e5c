package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// AdherenceStore 依从性投影所需的存储操作
type AdherenceStore interface {
	Get(ctx context.Context, patientID string) (*models.AdherenceRecord, error)
	Upsert(ctx context.Context, record *models.AdherenceRecord) error
	Delete(ctx context.Context, patientID string) error
}

// AdherenceProjection 依从性读模型：完成率、连续天数、趋势
//
// streak 规则（按自然日计算间隔）：
//   - 间隔 ≤1 天：连续，+1（同日多次训练不重复计数）
//   - 间隔 =2 天：单日缺席，同一 streak 内豁免一次
//   - 间隔 ≥3 天或豁免已用：streak 重置为 1
type AdherenceProjection struct {
	store             AdherenceStore
	trendDelta        float64 // 完成率趋势阈值（百分点）
	defaultPrescribed int     // 计划未注明时的默认处方次数
	logger            *zap.Logger
}

// NewAdherenceProjection 创建依从性投影
func NewAdherenceProjection(store AdherenceStore, trendDelta float64, defaultPrescribed int, logger *zap.Logger) *AdherenceProjection {
	if trendDelta <= 0 {
		trendDelta = 10
	}
	if defaultPrescribed <= 0 {
		defaultPrescribed = 12
	}
	return &AdherenceProjection{
		store:             store,
		trendDelta:        trendDelta,
		defaultPrescribed: defaultPrescribed,
		logger:            logger,
	}
}

// Name 投影名称
func (p *AdherenceProjection) Name() string {
	return "adherence"
}

// Apply 折叠会话事件：started 携带处方总数，ended(completed) 推进完成统计
func (p *AdherenceProjection) Apply(ctx context.Context, event *models.Event) error {
	if event.Kind != models.KindExerciseSession {
		return nil
	}

	var body models.SessionBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return fmt.Errorf("malformed session body: %w", err)
	}

	record, err := p.store.Get(ctx, event.SubjectID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.AdherenceRecord{
			PatientID:          event.SubjectID,
			SessionsPrescribed: p.defaultPrescribed,
			Trend:              models.TrendInsufficientData,
		}
	}

	switch body.Phase {
	case models.PhaseStarted:
		if body.PrescribedTotal > 0 {
			record.SessionsPrescribed = body.PrescribedTotal
		}

	case models.PhaseEnded:
		if body.CompletionStatus != models.CompletionCompleted && body.CompletionStatus != "" {
			return nil
		}
		previousRate := record.CompletionRate

		record.SessionsCompleted++
		p.advanceStreak(record, event.OccurredAt)

		if record.SessionsPrescribed > 0 {
			record.CompletionRate = float64(record.SessionsCompleted) / float64(record.SessionsPrescribed) * 100
		}
		record.Trend = p.completionTrend(record, previousRate)

	default:
		return nil
	}

	return p.store.Upsert(ctx, record)
}

// Reset 删除患者的依从性记录
func (p *AdherenceProjection) Reset(ctx context.Context, patientID string) error {
	return p.store.Delete(ctx, patientID)
}

// advanceStreak 按完成日推进连续天数
func (p *AdherenceProjection) advanceStreak(record *models.AdherenceRecord, occurredAt time.Time) {
	day := truncateToDay(occurredAt)

	if record.LastSessionDate == nil {
		record.CurrentStreak = 1
		record.StreakForgiven = false
	} else {
		gap := int(day.Sub(truncateToDay(*record.LastSessionDate)).Hours() / 24)
		switch {
		case gap <= 0:
			// 同日多次训练，streak 不变
		case gap == 1:
			record.CurrentStreak++
		case gap == 2 && !record.StreakForgiven:
			record.CurrentStreak++
			record.StreakForgiven = true
		default:
			record.CurrentStreak = 1
			record.StreakForgiven = false
		}
	}

	if record.CurrentStreak > record.LongestStreak {
		record.LongestStreak = record.CurrentStreak
	}
	record.LastSessionDate = &day
}

// completionTrend 完成率趋势（与上一次更新对比，阈值为百分点）
// insufficient_data 只在没有任何完成记录时成立，首次完成即为 stable
func (p *AdherenceProjection) completionTrend(record *models.AdherenceRecord, previousRate float64) string {
	if record.SessionsCompleted < 1 {
		return models.TrendInsufficientData
	}
	if record.SessionsCompleted == 1 {
		return models.TrendStable
	}
	diff := record.CompletionRate - previousRate
	switch {
	case diff > p.trendDelta:
		return models.TrendImproving
	case diff < -p.trendDelta:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
