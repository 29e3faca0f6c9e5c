package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	common_config "rehab-tracking/common/config"
	common_redis "rehab-tracking/common/redis"
	"rehab-tracking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingHandler 记录处理成功的事件，指定 subject 的事件按失败返回
type recordingHandler struct {
	mu           sync.Mutex
	batches      [][]*models.Event
	failSubjects map[string]bool
}

func (h *recordingHandler) HandleBatch(_ context.Context, events []*models.Event) []error {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := make([]error, len(events))
	var delivered []*models.Event
	for i, event := range events {
		if h.failSubjects[event.SubjectID] {
			results[i] = assert.AnError
			continue
		}
		delivered = append(delivered, event)
	}
	if len(delivered) > 0 {
		h.batches = append(h.batches, delivered)
	}
	return results
}

func (h *recordingHandler) batchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.batches)
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, b := range h.batches {
		n += len(b)
	}
	return n
}

// ack 走不通的本地地址，确认失败只记日志，不影响批处理断言
func newTestPipeline(handler Handler, opts Options) *Pipeline {
	client := common_redis.NewRedisClient(&common_config.RedisConfig{Addr: "127.0.0.1:1"})
	return New(client, handler, opts, zap.NewNop())
}

func envelopeMessage(t *testing.T, id string, env *models.RawEnvelope) common_redis.StreamMessage {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return common_redis.StreamMessage{
		ID:     id,
		Values: map[string]interface{}{"data": string(data)},
	}
}

func consentEnvelope(t *testing.T, subjectID string) *models.RawEnvelope {
	t.Helper()
	body, err := json.Marshal(&models.ConsentBody{Scope: "exercise_tracking", Granted: true})
	require.NoError(t, err)
	return &models.RawEnvelope{
		Kind:      models.KindConsent,
		SubjectID: subjectID,
		Body:      body,
	}
}

// 批满触发：batch size 2，送入 2 条后无需等待超时
func TestBatcherFlushesOnSize(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{BatchSize: 2, BatchTimeout: time.Hour})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	env := consentEnvelope(t, "p1")
	event := env.ToEvent()
	p.batchCh <- &item{event: event, msgID: "1-0"}
	p.batchCh <- &item{event: event, msgID: "2-0"}

	require.Eventually(t, func() bool { return handler.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, handler.eventCount())

	close(p.batchCh)
	<-done
}

// 超时触发：batch size 远大于送入条数，靠超时冲刷
func TestBatcherFlushesOnTimeout(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{BatchSize: 100, BatchTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	p.batchCh <- &item{event: consentEnvelope(t, "p1").ToEvent(), msgID: "1-0"}

	require.Eventually(t, func() bool { return handler.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, handler.eventCount())

	close(p.batchCh)
	<-done
}

// 停机冲刷：输入关闭时剩余批次全部处理
func TestBatcherDrainsOnShutdown(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{BatchSize: 100, BatchTimeout: time.Hour})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	p.batchCh <- &item{event: consentEnvelope(t, "p1").ToEvent(), msgID: "1-0"}
	p.batchCh <- &item{event: consentEnvelope(t, "p2").ToEvent(), msgID: "2-0"}
	close(p.batchCh)
	<-done

	assert.Equal(t, 2, handler.eventCount())
}

// 按 kind 分批：不同 kind 不混在同一批
func TestBatcherSplitsByKind(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{BatchSize: 100, BatchTimeout: time.Hour})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	consent := consentEnvelope(t, "p1").ToEvent()

	obsBody, err := json.Marshal(&models.RepObservationBody{ExerciseID: "squat", FormScore: 0.8})
	require.NoError(t, err)
	obs := (&models.RawEnvelope{Kind: models.KindRepObservation, SubjectID: "p1", Body: obsBody}).ToEvent()

	p.batchCh <- &item{event: consent, msgID: "1-0"}
	p.batchCh <- &item{event: obs, msgID: "2-0"}
	close(p.batchCh)
	<-done

	require.Equal(t, 2, handler.batchCount())
	for _, batch := range handler.batches {
		kind := batch[0].Kind
		for _, event := range batch {
			assert.Equal(t, kind, event.Kind)
		}
	}
}

// 处理失败不确认：计入 handler_failures
func TestBatcherHandlerFailureCounted(t *testing.T) {
	handler := &recordingHandler{failSubjects: map[string]bool{"p1": true}}
	p := newTestPipeline(handler, Options{BatchSize: 1, BatchTimeout: time.Hour})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	p.batchCh <- &item{event: consentEnvelope(t, "p1").ToEvent(), msgID: "1-0"}
	close(p.batchCh)
	<-done

	assert.Equal(t, uint64(1), p.Snapshot().HandlerFailures)
	assert.Equal(t, uint64(0), p.Snapshot().BatchesFlushed)
}

// 批内单条失败只影响自身：同批其他条目照常处理并确认
func TestBatcherFailedEventDoesNotStallSiblings(t *testing.T) {
	handler := &recordingHandler{failSubjects: map[string]bool{"p-bad": true}}
	p := newTestPipeline(handler, Options{BatchSize: 3, BatchTimeout: time.Hour})

	done := make(chan struct{})
	go func() {
		p.runBatcher(0)
		close(done)
	}()

	p.batchCh <- &item{event: consentEnvelope(t, "p1").ToEvent(), msgID: "1-0"}
	p.batchCh <- &item{event: consentEnvelope(t, "p-bad").ToEvent(), msgID: "2-0"}
	p.batchCh <- &item{event: consentEnvelope(t, "p2").ToEvent(), msgID: "3-0"}
	close(p.batchCh)
	<-done

	assert.Equal(t, 2, handler.eventCount())
	assert.Equal(t, uint64(1), p.Snapshot().HandlerFailures)
	assert.Equal(t, uint64(1), p.Snapshot().BatchesFlushed)
}

// 处理器：畸形消息确认丢弃，合法消息进入批通道
func TestProcessorRejectsMalformed(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{})

	done := make(chan struct{})
	go func() {
		p.runProcessor(context.Background(), 0)
		close(done)
	}()

	// 畸形：data 不是 JSON
	p.rawCh <- common_redis.StreamMessage{ID: "1-0", Values: map[string]interface{}{"data": "{not json"}}
	// 畸形:缺 data 字段
	p.rawCh <- common_redis.StreamMessage{ID: "2-0", Values: map[string]interface{}{"other": "x"}}
	// 合法
	p.rawCh <- envelopeMessage(t, "3-0", consentEnvelope(t, "p1"))
	close(p.rawCh)
	<-done

	assert.Equal(t, uint64(2), p.Snapshot().Rejected)
	assert.Equal(t, uint64(1), p.Snapshot().Processed)

	it := <-p.batchCh
	assert.Equal(t, models.KindConsent, it.event.Kind)
	assert.Equal(t, "3-0", it.msgID)
}

// 无 event_id 的信封以流消息 ID 派生标识：重投递落到同一 event_id
func TestProcessorDerivesEventIDFromStreamEntry(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{})

	done := make(chan struct{})
	go func() {
		p.runProcessor(context.Background(), 0)
		close(done)
	}()

	// 同一条流消息投递两次（模拟回收路径）
	p.rawCh <- envelopeMessage(t, "7-0", consentEnvelope(t, "p1"))
	p.rawCh <- envelopeMessage(t, "7-0", consentEnvelope(t, "p1"))

	// 已带 event_id 的回灌信封保持原标识
	env := consentEnvelope(t, "p1")
	env.EventID = "evt-known"
	p.rawCh <- envelopeMessage(t, "8-0", env)

	close(p.rawCh)
	<-done

	first := <-p.batchCh
	second := <-p.batchCh
	third := <-p.batchCh
	assert.Equal(t, "stream:7-0", first.event.EventID)
	assert.Equal(t, first.event.EventID, second.event.EventID)
	assert.Equal(t, "evt-known", third.event.EventID)
}

// 未知 kind：确认丢弃并计数，不进入批通道
func TestProcessorDropsUnknownKind(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{})

	done := make(chan struct{})
	go func() {
		p.runProcessor(context.Background(), 0)
		close(done)
	}()

	env := &models.RawEnvelope{Kind: "biometric_reading", SubjectID: "p1", Body: json.RawMessage(`{}`)}
	p.rawCh <- envelopeMessage(t, "1-0", env)
	close(p.rawCh)
	<-done

	assert.Equal(t, uint64(1), p.Snapshot().UnknownKinds)
	assert.Equal(t, uint64(0), p.Snapshot().Processed)
	assert.Len(t, p.batchCh, 0)
}

// 体校验失败：rejected，永不进入批通道
func TestProcessorRejectsInvalidBody(t *testing.T) {
	handler := &recordingHandler{}
	p := newTestPipeline(handler, Options{})

	done := make(chan struct{})
	go func() {
		p.runProcessor(context.Background(), 0)
		close(done)
	}()

	body, err := json.Marshal(map[string]interface{}{"exercise_id": "squat", "form_score": 1.5})
	require.NoError(t, err)
	env := &models.RawEnvelope{Kind: models.KindRepObservation, SubjectID: "p1", Body: body}
	p.rawCh <- envelopeMessage(t, "1-0", env)
	close(p.rawCh)
	<-done

	assert.Equal(t, uint64(1), p.Snapshot().Rejected)
	assert.Len(t, p.batchCh, 0)
}
