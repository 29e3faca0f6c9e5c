package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// runBatcher 批处理器循环：按 kind 聚批，批满或超时即触发处理
// 输入通道关闭后冲刷全部剩余批次再退出（优雅停机不丢在途消息）
func (p *Pipeline) runBatcher(id int) {
	logger := p.logger.With(zap.Int("batcher", id))
	logger.Info("Batcher started")

	batches := make(map[string][]*item)
	timer := time.NewTicker(p.opts.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case it, ok := <-p.batchCh:
			if !ok {
				// 停机冲刷
				for kind := range batches {
					p.flush(kind, batches, logger)
				}
				logger.Info("Batcher stopped")
				return
			}
			kind := it.event.Kind
			batches[kind] = append(batches[kind], it)
			if len(batches[kind]) >= p.opts.BatchSize {
				p.flush(kind, batches, logger)
			}

		case <-timer.C:
			for kind := range batches {
				p.flush(kind, batches, logger)
			}
		}
	}
}

// flush 处理并确认一个批次
// 单条失败只让该条保持 pending（经回收路径重投递），
// 同批其他条目照常确认；重投递由事件存储与投影的幂等屏障去重
func (p *Pipeline) flush(kind string, batches map[string][]*item, logger *zap.Logger) {
	batch := batches[kind]
	if len(batch) == 0 {
		return
	}
	delete(batches, kind)

	events := make([]*models.Event, 0, len(batch))
	for _, it := range batch {
		events = append(events, it.event)
	}

	// 停机路径下外层 ctx 已取消，处理与确认使用独立超时
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := p.handler.HandleBatch(ctx, events)

	acked := 0
	for i, it := range batch {
		if i < len(results) && results[i] != nil {
			atomic.AddUint64(&p.metrics.HandlerFailures, 1)
			logger.Error("Event handling failed, leaving message pending",
				zap.String("kind", kind),
				zap.String("message_id", it.msgID),
				zap.Error(results[i]))
			continue
		}
		p.ack(ctx, it.msgID)
		acked++
	}

	if acked > 0 {
		atomic.AddUint64(&p.metrics.BatchesFlushed, 1)
		logger.Debug("Batch flushed",
			zap.String("kind", kind),
			zap.Int("size", len(batch)),
			zap.Int("acked", acked))
	}
}
