package projection

import (
	"context"
	"time"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SummarySource 摘要投影读取其余读模型的接口
type SummarySource interface {
	GetAdherence(ctx context.Context, patientID string) (*models.AdherenceRecord, error)
	GetQuality(ctx context.Context, patientID string) (*models.QualityRecord, error)
	CountActiveAlerts(ctx context.Context, patientID string) (int, error)
}

// SummaryStore 摘要投影的存储操作
type SummaryStore interface {
	Get(ctx context.Context, patientID string) (*models.PatientSummary, error)
	Upsert(ctx context.Context, summary *models.PatientSummary) error
	Delete(ctx context.Context, patientID string) error
}

// SummaryProjection 患者摘要：综合依从性、质量与工单的临床优先级视图
//
// priority_score ∈ [1,10]：基础 1 分 + 依从罚分 0-3 + 质量罚分 0-3
// + 工单罚分 0-3 + 最近训练罚分 0-2，封顶 10
type SummaryProjection struct {
	source     SummarySource
	store      SummaryStore
	staleAfter time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewSummaryProjection 创建患者摘要投影
func NewSummaryProjection(source SummarySource, store SummaryStore, staleAfter time.Duration, logger *zap.Logger) *SummaryProjection {
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}
	return &SummaryProjection{
		source:     source,
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Name 投影名称
func (p *SummaryProjection) Name() string {
	return "patient_summary"
}

// Apply 任意已知事件都会触发患者摘要刷新
func (p *SummaryProjection) Apply(ctx context.Context, event *models.Event) error {
	return p.Refresh(ctx, event.SubjectID)
}

// Reset 删除患者摘要
func (p *SummaryProjection) Reset(ctx context.Context, patientID string) error {
	return p.store.Delete(ctx, patientID)
}

// Refresh 从其余读模型重新计算患者摘要
func (p *SummaryProjection) Refresh(ctx context.Context, patientID string) error {
	adherence, err := p.source.GetAdherence(ctx, patientID)
	if err != nil {
		return err
	}
	quality, err := p.source.GetQuality(ctx, patientID)
	if err != nil {
		return err
	}
	activeAlerts, err := p.source.CountActiveAlerts(ctx, patientID)
	if err != nil {
		return err
	}

	summary := &models.PatientSummary{
		PatientID:      patientID,
		AdherenceTrend: models.TrendUnknown,
		QualityTrend:   models.TrendUnknown,
		ActiveAlerts:   activeAlerts,
	}
	if adherence != nil {
		summary.CompletionRate = adherence.CompletionRate
		summary.AdherenceTrend = adherence.Trend
		summary.LastSessionDate = adherence.LastSessionDate
	}
	if quality != nil {
		summary.QualityAverage = quality.AverageScore
		summary.QualityTrend = quality.Trend
	}

	summary.PriorityScore = p.priorityScore(summary, adherence, quality)

	return p.store.Upsert(ctx, summary)
}

// EnsureFresh 读取摘要，过期（超过 staleAfter）或缺失时先刷新
func (p *SummaryProjection) EnsureFresh(ctx context.Context, patientID string) (*models.PatientSummary, error) {
	summary, err := p.store.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if summary != nil && p.now().Sub(summary.LastUpdatedAt) < p.staleAfter {
		return summary, nil
	}

	if err := p.Refresh(ctx, patientID); err != nil {
		return nil, err
	}
	return p.store.Get(ctx, patientID)
}

// priorityScore 临床优先级分数
func (p *SummaryProjection) priorityScore(summary *models.PatientSummary, adherence *models.AdherenceRecord, quality *models.QualityRecord) int {
	score := 1

	// 依从罚分
	if adherence != nil {
		switch {
		case adherence.CompletionRate >= 80:
		case adherence.CompletionRate >= 60:
			score++
		case adherence.CompletionRate >= 40:
			score += 2
		default:
			score += 3
		}
	}

	// 质量罚分
	if quality != nil && quality.TotalObservations > 0 {
		switch {
		case quality.AverageScore >= 0.8:
		case quality.AverageScore >= 0.65:
			score++
		case quality.AverageScore >= 0.5:
			score += 2
		default:
			score += 3
		}
	}

	// 工单罚分
	switch {
	case summary.ActiveAlerts >= 3:
		score += 3
	case summary.ActiveAlerts > 0:
		score += summary.ActiveAlerts
	}

	// 最近训练罚分
	if summary.LastSessionDate == nil {
		score += 2
	} else {
		daysSince := p.now().Sub(*summary.LastSessionDate).Hours() / 24
		switch {
		case daysSince <= 3:
		case daysSince <= 7:
			score++
		default:
			score += 2
		}
	}

	if score > 10 {
		score = 10
	}
	return score
}
