package pipeline

import (
	"context"
	"sync/atomic"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// runProcessor 处理器循环：解码并校验信封，合法事件交给批处理器
//
// 失败语义：
//   - 畸形消息（解不开/缺字段/体校验失败）：确认并丢弃，计入 rejected，永不重试
//   - 未知 kind：确认并丢弃，计入 unknown_kinds（前向兼容的 no-op）
//   - 下游处理失败：不确认，等待 pending 回收重投递
func (p *Pipeline) runProcessor(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("processor", id))
	logger.Info("Processor started")

	for msg := range p.rawCh {
		env, err := models.ParseEnvelope(msg.Values)
		if err != nil {
			atomic.AddUint64(&p.metrics.Rejected, 1)
			logger.Warn("Rejected malformed message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			p.ack(ctx, msg.ID)
			continue
		}

		if !models.KnownKind(env.Kind) {
			atomic.AddUint64(&p.metrics.UnknownKinds, 1)
			logger.Warn("Unknown event kind, dropping",
				zap.String("kind", env.Kind),
				zap.String("message_id", msg.ID))
			p.ack(ctx, msg.ID)
			continue
		}

		event := env.ToEvent()
		if event.SubjectID == "" {
			atomic.AddUint64(&p.metrics.Rejected, 1)
			logger.Warn("Rejected message without subject_id",
				zap.String("message_id", msg.ID))
			p.ack(ctx, msg.ID)
			continue
		}
		if _, err := models.DecodeBody(event.Kind, event.Body); err != nil {
			atomic.AddUint64(&p.metrics.Rejected, 1)
			logger.Warn("Rejected message with invalid body",
				zap.String("message_id", msg.ID),
				zap.String("kind", event.Kind),
				zap.Error(err))
			p.ack(ctx, msg.ID)
			continue
		}

		// 外部信封不携带 event_id：用流消息 ID 派生确定性标识，
		// 重投递（回收、确认失败）落到同一 event_id，幂等路径才能拦住重放
		if event.EventID == "" {
			event.EventID = "stream:" + msg.ID
		}

		atomic.AddUint64(&p.metrics.Processed, 1)
		p.batchCh <- &item{event: event, msgID: msg.ID}
	}

	logger.Info("Processor stopped")
}
