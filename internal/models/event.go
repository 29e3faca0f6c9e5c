package models

import (
	"encoding/json"
	"time"
)

// 事件类型枚举（封闭集合，按 kind 精确分发）
const (
	KindExerciseSession = "exercise_session"
	KindRepObservation  = "rep_observation"
	KindFeedback        = "feedback"
	KindAlert           = "alert"
	KindConsent         = "consent"
)

// EventMeta 事件审计元数据
type EventMeta struct {
	PHIFlag         bool     `json:"phi_flag"`
	ConsentVerified bool     `json:"consent_verified"`
	AuditTrail      []string `json:"audit_trail,omitempty"`
}

// Event 领域事件（对应 events 表）
// version 在单个 subject（患者）流内严格递增；event_id 全局唯一，
// 用于投影的幂等重放。
type Event struct {
	EventID    string          `json:"event_id" db:"event_id"`
	SubjectID  string          `json:"subject_id" db:"subject_id"`
	Kind       string          `json:"kind" db:"kind"`
	Body       json.RawMessage `json:"body" db:"body"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
	Version    int64           `json:"version" db:"version"`
	Meta       EventMeta       `json:"meta" db:"meta"`
}

// RawEnvelope 摄取契约（上游生产者发布到原始流的 JSON 对象）
type RawEnvelope struct {
	Kind      string                 `json:"kind"`
	SubjectID string                 `json:"subject_id"`
	Body      json.RawMessage        `json:"body"`
	Meta      map[string]interface{} `json:"meta,omitempty"`

	// 事件存储补全后回灌管道时携带（可选）
	EventID    string `json:"event_id,omitempty"`
	Version    int64  `json:"version,omitempty"`
	OccurredAt int64  `json:"occurred_at,omitempty"`
}

// ParseEnvelope 从 Redis Streams 消息解析摄取信封
// 消息格式：values["data"] 为 JSON 字符串（PublishJSONToStream 的产物）
func ParseEnvelope(values map[string]interface{}) (*RawEnvelope, error) {
	dataStr, ok := values["data"].(string)
	if !ok {
		return nil, ErrInvalidEnvelope
	}

	var env RawEnvelope
	if err := json.Unmarshal([]byte(dataStr), &env); err != nil {
		return nil, &EnvelopeError{Message: "malformed envelope json: " + err.Error()}
	}

	return &env, nil
}

// ToEvent 将信封转换为事件（摄取侧：enrichment 之前的原始事件）
func (e *RawEnvelope) ToEvent() *Event {
	ev := &Event{
		EventID:   e.EventID,
		SubjectID: e.SubjectID,
		Kind:      e.Kind,
		Body:      e.Body,
		Version:   e.Version,
	}
	if e.OccurredAt > 0 {
		ev.OccurredAt = time.Unix(e.OccurredAt, 0).UTC()
	}
	if e.Meta != nil {
		if phi, ok := e.Meta["phi_flag"].(bool); ok {
			ev.Meta.PHIFlag = phi
		}
		if cv, ok := e.Meta["consent_verified"].(bool); ok {
			ev.Meta.ConsentVerified = cv
		}
	}
	return ev
}

// Envelope 从事件构建回灌信封（事件存储补全后重新进入管道）
func (e *Event) Envelope() *RawEnvelope {
	return &RawEnvelope{
		Kind:       e.Kind,
		SubjectID:  e.SubjectID,
		Body:       e.Body,
		EventID:    e.EventID,
		Version:    e.Version,
		OccurredAt: e.OccurredAt.Unix(),
		Meta: map[string]interface{}{
			"phi_flag":         e.Meta.PHIFlag,
			"consent_verified": e.Meta.ConsentVerified,
		},
	}
}

// KnownKind 是否为已知事件类型（未知类型计数后按 no-op 处理，不报错）
func KnownKind(kind string) bool {
	switch kind {
	case KindExerciseSession, KindRepObservation, KindFeedback, KindAlert, KindConsent:
		return true
	}
	return false
}

// ErrInvalidEnvelope 信封格式错误
var ErrInvalidEnvelope = &EnvelopeError{Message: "invalid envelope format"}

// EnvelopeError 信封格式错误类型
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	return e.Message
}
