package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	common_redis "rehab-tracking/common/redis"

	"go.uber.org/zap"
)

// runProducer 生产者循环：从消费者组拉取新消息，并周期性回收
// 其他消费者超时未确认的 pending 消息
// 多个生产者共享同一消费者组，消息不会重复分发
func (p *Pipeline) runProducer(ctx context.Context, id int) {
	consumer := fmt.Sprintf("%s-p%d", p.opts.ConsumerName, id)
	logger := p.logger.With(zap.String("producer", consumer))
	logger.Info("Producer started")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	claimTicker := time.NewTicker(p.opts.ClaimMinIdle)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Producer stopped")
			return
		case <-claimTicker.C:
			p.claimStale(ctx, consumer, logger)
		default:
		}

		messages, err := common_redis.ReadFromStream(ctx, p.client,
			p.opts.RawStream, p.opts.ConsumerGroup, consumer,
			p.opts.ReadCount, p.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Producer stopped")
				return
			}
			logger.Error("Failed to read from stream, backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				logger.Info("Producer stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			atomic.AddUint64(&p.metrics.Consumed, 1)
			select {
			case p.rawCh <- msg:
			case <-ctx.Done():
				// 未送入的消息保持 pending，重启后经回收路径重投递
				logger.Info("Producer stopped")
				return
			}
		}
	}
}

// claimStale 回收滞留的 pending 消息（消费者崩溃后的重投递路径）
func (p *Pipeline) claimStale(ctx context.Context, consumer string, logger *zap.Logger) {
	claimed, err := common_redis.ClaimStale(ctx, p.client,
		p.opts.RawStream, p.opts.ConsumerGroup, consumer,
		p.opts.ClaimMinIdle, p.opts.ReadCount)
	if err != nil {
		logger.Warn("Failed to claim stale messages", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	logger.Info("Claimed stale pending messages", zap.Int("count", len(claimed)))
	for _, msg := range claimed {
		atomic.AddUint64(&p.metrics.Claimed, 1)
		select {
		case p.rawCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}
