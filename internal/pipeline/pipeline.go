package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	common_redis "rehab-tracking/common/redis"
	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// Handler 批处理回调：持久化未入账事件并应用投影/策略
// 返回与输入等长的逐条结果：失败条目不确认、等待重投递
// （下游靠 event_id 幂等去重），同批其他条目照常确认
type Handler interface {
	HandleBatch(ctx context.Context, events []*models.Event) []error
}

// Options 管道参数
type Options struct {
	RawStream     string
	ConsumerGroup string
	ConsumerName  string
	ProducerCount int
	ProcessorCount int
	BatcherCount  int
	BatchSize     int
	BatchTimeout  time.Duration
	PollInterval  time.Duration
	ReadCount     int64
	ClaimMinIdle  time.Duration
}

func (o *Options) withDefaults() {
	if o.ProducerCount <= 0 {
		o.ProducerCount = 2
	}
	if o.ProcessorCount <= 0 {
		o.ProcessorCount = 10
	}
	if o.BatcherCount <= 0 {
		o.BatcherCount = 2
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReadCount <= 0 {
		o.ReadCount = 32
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 30 * time.Second
	}
}

// item 管道内的在途消息（事件 + 其流消息 ID，确认用）
type item struct {
	event *models.Event
	msgID string
}

// Metrics 管道计数快照
type Metrics struct {
	Consumed        uint64 `json:"consumed"`
	Claimed         uint64 `json:"claimed"`
	Rejected        uint64 `json:"rejected"`
	UnknownKinds    uint64 `json:"unknown_kinds"`
	Processed       uint64 `json:"processed"`
	BatchesFlushed  uint64 `json:"batches_flushed"`
	HandlerFailures uint64 `json:"handler_failures"`
}

// Pipeline 摄取管道：producer → processor → batcher 三段结构
//
//	producer  从 Redis Streams 消费者组拉取消息，并回收超时 pending
//	processor 解码/校验信封，畸形消息确认后丢弃（计入 rejected）
//	batcher   按 kind 聚批，批满或超时触发处理，成功后统一确认
//
// 至少一次投递：处理失败不确认，消息经 pending 回收重投递
type Pipeline struct {
	client  *common_redis.Client
	handler Handler
	opts    Options
	logger  *zap.Logger

	rawCh   chan common_redis.StreamMessage
	batchCh chan *item

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32

	metrics Metrics
}

// New 创建摄取管道
func New(client *common_redis.Client, handler Handler, opts Options, logger *zap.Logger) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		client:  client,
		handler: handler,
		opts:    opts,
		logger:  logger,
		rawCh:   make(chan common_redis.StreamMessage, opts.ProcessorCount*4),
		batchCh: make(chan *item, opts.BatchSize*opts.BatcherCount),
	}
}

// Start 启动管道（消费者组不存在时自动创建）
func (p *Pipeline) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("pipeline already running")
	}

	if err := common_redis.CreateConsumerGroup(ctx, p.client, p.opts.RawStream, p.opts.ConsumerGroup); err != nil {
		atomic.StoreInt32(&p.running, 0)
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	producerWG := &sync.WaitGroup{}
	processorWG := &sync.WaitGroup{}

	for i := 0; i < p.opts.ProducerCount; i++ {
		producerWG.Add(1)
		p.wg.Add(1)
		go func(id int) {
			defer producerWG.Done()
			defer p.wg.Done()
			p.runProducer(runCtx, id)
		}(i)
	}

	for i := 0; i < p.opts.ProcessorCount; i++ {
		processorWG.Add(1)
		p.wg.Add(1)
		go func(id int) {
			defer processorWG.Done()
			defer p.wg.Done()
			p.runProcessor(runCtx, id)
		}(i)
	}

	for i := 0; i < p.opts.BatcherCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runBatcher(id)
		}(i)
	}

	// 关闭编排：producer 全部退出后关 rawCh，
	// processor 排空后关 batchCh，batcher 冲刷剩余批次后退出
	go func() {
		producerWG.Wait()
		close(p.rawCh)
		processorWG.Wait()
		close(p.batchCh)
	}()

	p.logger.Info("Ingest pipeline started",
		zap.String("stream", p.opts.RawStream),
		zap.String("group", p.opts.ConsumerGroup),
		zap.Int("producers", p.opts.ProducerCount),
		zap.Int("processors", p.opts.ProcessorCount),
		zap.Int("batchers", p.opts.BatcherCount))
	return nil
}

// Stop 停止管道并等待在途批次冲刷完成
func (p *Pipeline) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Ingest pipeline stopped")
}

// Healthy 管道是否在运行
func (p *Pipeline) Healthy() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Snapshot 读取当前计数
func (p *Pipeline) Snapshot() Metrics {
	return Metrics{
		Consumed:        atomic.LoadUint64(&p.metrics.Consumed),
		Claimed:         atomic.LoadUint64(&p.metrics.Claimed),
		Rejected:        atomic.LoadUint64(&p.metrics.Rejected),
		UnknownKinds:    atomic.LoadUint64(&p.metrics.UnknownKinds),
		Processed:       atomic.LoadUint64(&p.metrics.Processed),
		BatchesFlushed:  atomic.LoadUint64(&p.metrics.BatchesFlushed),
		HandlerFailures: atomic.LoadUint64(&p.metrics.HandlerFailures),
	}
}

// ack 确认单条消息（确认失败只记日志，重投递由幂等屏障兜底）
func (p *Pipeline) ack(ctx context.Context, msgID string) {
	if err := common_redis.AckMessage(ctx, p.client, p.opts.RawStream, p.opts.ConsumerGroup, msgID); err != nil {
		p.logger.Warn("Failed to ack message",
			zap.String("message_id", msgID),
			zap.Error(err))
	}
}
