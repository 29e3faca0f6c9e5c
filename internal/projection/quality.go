package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// QualityStore 动作质量投影所需的存储操作
type QualityStore interface {
	Get(ctx context.Context, patientID string) (*models.QualityRecord, error)
	Upsert(ctx context.Context, record *models.QualityRecord) error
	Delete(ctx context.Context, patientID string) error
}

// QualityProjection 动作质量读模型：增量统计 + 下滑检测
// 均值按 new_avg = (old_avg*old_n + value) / (old_n+1) 增量更新，
// 不保留原始观测序列
type QualityProjection struct {
	store              QualityStore
	patientTrendDelta  float64 // 整体均值趋势阈值
	exerciseTrendDelta float64 // 单动作均值趋势阈值
	jointDeviation     float64 // 关节角度偏差标记阈值（度）
	logger             *zap.Logger
}

// NewQualityProjection 创建动作质量投影
func NewQualityProjection(store QualityStore, patientTrendDelta, exerciseTrendDelta, jointDeviation float64, logger *zap.Logger) *QualityProjection {
	if patientTrendDelta <= 0 {
		patientTrendDelta = 0.05
	}
	if exerciseTrendDelta <= 0 {
		exerciseTrendDelta = 0.1
	}
	if jointDeviation <= 0 {
		jointDeviation = 20
	}
	return &QualityProjection{
		store:              store,
		patientTrendDelta:  patientTrendDelta,
		exerciseTrendDelta: exerciseTrendDelta,
		jointDeviation:     jointDeviation,
		logger:             logger,
	}
}

// Name 投影名称
func (p *QualityProjection) Name() string {
	return "quality"
}

// Apply 折叠一个观测事件；非观测事件为 no-op
func (p *QualityProjection) Apply(ctx context.Context, event *models.Event) error {
	if event.Kind != models.KindRepObservation {
		return nil
	}

	var body models.RepObservationBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return fmt.Errorf("malformed rep observation body: %w", err)
	}

	record, err := p.store.Get(ctx, event.SubjectID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.QualityRecord{
			PatientID:  event.SubjectID,
			MinScore:   body.FormScore,
			MaxScore:   body.FormScore,
			ByExercise: make(map[string]models.ExerciseQuality),
			Trend:      models.TrendInsufficientData,
		}
	}
	if record.ByExercise == nil {
		record.ByExercise = make(map[string]models.ExerciseQuality)
	}

	// 患者整体统计
	record.PreviousAverage = record.AverageScore
	record.AverageScore = incrementalMean(record.AverageScore, record.TotalObservations, body.FormScore)
	record.TotalObservations++
	if record.TotalObservations == 1 {
		record.MinScore = body.FormScore
		record.MaxScore = body.FormScore
	} else {
		record.MinScore = math.Min(record.MinScore, body.FormScore)
		record.MaxScore = math.Max(record.MaxScore, body.FormScore)
	}

	// 单动作分解
	ex := record.ByExercise[body.ExerciseID]
	previousExAvg := ex.AverageScore
	ex.AverageScore = incrementalMean(ex.AverageScore, ex.Observations, body.FormScore)
	ex.Observations++
	if ex.Observations == 1 {
		ex.MinScore = body.FormScore
		ex.MaxScore = body.FormScore
	} else {
		ex.MinScore = math.Min(ex.MinScore, body.FormScore)
		ex.MaxScore = math.Max(ex.MaxScore, body.FormScore)
	}
	ex.Trend = trendOf(ex.AverageScore, previousExAvg, p.exerciseTrendDelta, ex.Observations)
	record.ByExercise[body.ExerciseID] = ex

	// 关节角度：运行均值，偏差超阈值计数
	if body.JointAngle != nil {
		if record.JointAngleSamples > 0 && math.Abs(*body.JointAngle-record.JointAngleAvg) > p.jointDeviation {
			record.JointDeviations++
		}
		record.JointAngleAvg = incrementalMean(record.JointAngleAvg, record.JointAngleSamples, *body.JointAngle)
		record.JointAngleSamples++
	}

	if body.AnomalyDetected {
		record.AnomalyCount++
	}

	// 趋势与下滑幅度
	record.Trend = trendOf(record.AverageScore, record.PreviousAverage, p.patientTrendDelta, record.TotalObservations)
	if record.Trend == models.TrendDeclining && record.PreviousAverage > 0 {
		record.DeclineRate = (record.PreviousAverage - record.AverageScore) / record.PreviousAverage
	} else {
		record.DeclineRate = 0
	}

	return p.store.Upsert(ctx, record)
}

// Reset 删除患者的质量记录
func (p *QualityProjection) Reset(ctx context.Context, patientID string) error {
	return p.store.Delete(ctx, patientID)
}

// incrementalMean 增量均值
func incrementalMean(oldAvg float64, oldN int, value float64) float64 {
	return (oldAvg*float64(oldN) + value) / float64(oldN+1)
}

// trendOf 均值趋势
// insufficient_data 只在没有任何观测时成立，首个数据点即为 stable（无均值可比）
func trendOf(current, previous, delta float64, observations int) string {
	if observations < 1 {
		return models.TrendInsufficientData
	}
	if observations == 1 {
		return models.TrendStable
	}
	diff := current - previous
	switch {
	case diff > delta:
		return models.TrendImproving
	case diff < -delta:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}
