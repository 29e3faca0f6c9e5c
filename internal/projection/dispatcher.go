package projection

import (
	"context"
	"sync/atomic"

	"rehab-tracking/internal/domain"
	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// Projection 单个读模型投影
// Apply 必须幂等：同一 event_id 的重投递由 Dispatcher 的处理标记去重，
// 投影自身对乱序与重复也应保持宽容
type Projection interface {
	Name() string
	Apply(ctx context.Context, event *models.Event) error
}

// Resettable 支持按患者重建的投影
type Resettable interface {
	Reset(ctx context.Context, patientID string) error
}

// ProcessedMarker 投影消费位点（(projection, event_id) 去重）
type ProcessedMarker interface {
	MarkProcessed(ctx context.Context, projection, eventID, subjectID string) (bool, error)
	Unmark(ctx context.Context, projection, eventID string) error
	DeleteBySubject(ctx context.Context, subjectID string) error
}

// Dispatcher 投影分发器：按 kind 将事件路由到各读模型
// 管道为至少一次投递，这里是幂等屏障
type Dispatcher struct {
	projections []Projection
	marker      ProcessedMarker
	logger      *zap.Logger

	unknownKinds uint64
	applied      uint64
	skipped      uint64
	failed       uint64
}

// NewDispatcher 创建投影分发器
func NewDispatcher(marker ProcessedMarker, logger *zap.Logger, projections ...Projection) *Dispatcher {
	return &Dispatcher{
		projections: projections,
		marker:      marker,
		logger:      logger,
	}
}

// ApplySingle 将单个事件分发给全部投影
// 未知 kind 计数后按 no-op 处理；单个投影失败即返回错误，
// 消息不确认，等待重投递（已成功的投影由处理标记跳过）
func (d *Dispatcher) ApplySingle(ctx context.Context, event *models.Event) error {
	if !models.KnownKind(event.Kind) {
		atomic.AddUint64(&d.unknownKinds, 1)
		d.logger.Warn("Unknown event kind, skipping",
			zap.String("kind", event.Kind),
			zap.String("event_id", event.EventID))
		return nil
	}

	for _, p := range d.projections {
		fresh, err := d.marker.MarkProcessed(ctx, p.Name(), event.EventID, event.SubjectID)
		if err != nil {
			atomic.AddUint64(&d.failed, 1)
			return &domain.ProjectionError{Projection: p.Name(), EventID: event.EventID, Err: err}
		}
		if !fresh {
			atomic.AddUint64(&d.skipped, 1)
			continue
		}

		if err := p.Apply(ctx, event); err != nil {
			atomic.AddUint64(&d.failed, 1)
			// 撤销标记，重投递时该投影会重试
			if unmarkErr := d.marker.Unmark(ctx, p.Name(), event.EventID); unmarkErr != nil {
				d.logger.Error("Failed to unmark event after apply failure",
					zap.String("projection", p.Name()),
					zap.String("event_id", event.EventID),
					zap.Error(unmarkErr))
			}
			return &domain.ProjectionError{Projection: p.Name(), EventID: event.EventID, Err: err}
		}

		atomic.AddUint64(&d.applied, 1)
	}

	return nil
}

// ApplyBatch 按序分发一批事件，返回与输入等长的逐条结果
// 单条失败不中止同批其他条目；已成功的条目由处理标记
// 保证重投递时不重复计数
func (d *Dispatcher) ApplyBatch(ctx context.Context, events []*models.Event) []error {
	results := make([]error, len(events))
	for i, event := range events {
		results[i] = d.ApplySingle(ctx, event)
	}
	return results
}

// ResetPatient 清除患者的全部读模型与处理标记（重建前置步骤）
func (d *Dispatcher) ResetPatient(ctx context.Context, patientID string) error {
	if err := d.marker.DeleteBySubject(ctx, patientID); err != nil {
		return err
	}
	for _, p := range d.projections {
		r, ok := p.(Resettable)
		if !ok {
			continue
		}
		if err := r.Reset(ctx, patientID); err != nil {
			return &domain.ProjectionError{Projection: p.Name(), Err: err}
		}
	}
	return nil
}

// Metrics 分发器计数快照
type Metrics struct {
	Applied      uint64 `json:"applied"`
	Skipped      uint64 `json:"skipped"`
	Failed       uint64 `json:"failed"`
	UnknownKinds uint64 `json:"unknown_kinds"`
}

// Snapshot 读取当前计数
func (d *Dispatcher) Snapshot() Metrics {
	return Metrics{
		Applied:      atomic.LoadUint64(&d.applied),
		Skipped:      atomic.LoadUint64(&d.skipped),
		Failed:       atomic.LoadUint64(&d.failed),
		UnknownKinds: atomic.LoadUint64(&d.unknownKinds),
	}
}
