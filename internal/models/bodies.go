package models

import (
	"encoding/json"
	"fmt"
)

// 会话阶段（exercise_session 事件的子类型）
const (
	PhaseStarted     = "started"
	PhaseSetRecorded = "set_recorded"
	PhaseEnded       = "ended"
)

// 完成状态
const (
	CompletionCompleted = "completed"
	CompletionAbandoned = "abandoned"
	CompletionCancelled = "cancelled"
)

// EventBody 事件体（按 kind 封闭的标签联合，取代任意 map）
type EventBody interface {
	Validate() error
}

// SessionBody 训练会话事件体（kind = exercise_session）
type SessionBody struct {
	SessionID        string  `json:"session_id"`
	ExerciseID       string  `json:"exercise_id,omitempty"`
	Phase            string  `json:"phase"` // started / set_recorded / ended
	TargetSets       int     `json:"target_sets,omitempty"`
	TargetRepsPerSet int     `json:"target_reps_per_set,omitempty"`
	SetNumber        int     `json:"set_number,omitempty"`
	RepsCompleted    int     `json:"reps_completed,omitempty"`
	QualityScore     float64 `json:"quality_score,omitempty"`
	CompletionStatus string  `json:"completion_status,omitempty"` // completed / abandoned / cancelled
	PrescribedTotal  int     `json:"prescribed_sessions,omitempty"`
}

// Validate 校验会话事件体
func (b *SessionBody) Validate() error {
	if b.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	switch b.Phase {
	case PhaseStarted:
		if b.ExerciseID == "" {
			return fmt.Errorf("exercise_id is required for phase started")
		}
	case PhaseSetRecorded:
		if b.SetNumber <= 0 {
			return fmt.Errorf("set_number must be positive")
		}
		if b.RepsCompleted < 0 {
			return fmt.Errorf("reps_completed must not be negative")
		}
		if b.QualityScore < 0 || b.QualityScore > 1 {
			return fmt.Errorf("quality_score must be in [0,1]")
		}
	case PhaseEnded:
		// completion_status 缺省按 completed 处理
	default:
		return fmt.Errorf("unknown session phase: %s", b.Phase)
	}
	return nil
}

// RepObservationBody 单次动作观测事件体（kind = rep_observation）
type RepObservationBody struct {
	SessionID       string   `json:"session_id,omitempty"`
	ExerciseID      string   `json:"exercise_id"`
	FormScore       float64  `json:"form_score"`
	RepQuality      float64  `json:"rep_quality,omitempty"`
	JointAngle      *float64 `json:"joint_angle,omitempty"` // 度
	AnomalyDetected bool     `json:"anomaly_detected,omitempty"`
	FormErrors      []string `json:"form_errors,omitempty"`
}

// Validate 校验观测事件体（form_score ∈ [0,1]）
func (b *RepObservationBody) Validate() error {
	if b.ExerciseID == "" {
		return fmt.Errorf("exercise_id is required")
	}
	if b.FormScore < 0 || b.FormScore > 1 {
		return fmt.Errorf("form_score must be in [0,1]")
	}
	if b.RepQuality < 0 || b.RepQuality > 1 {
		return fmt.Errorf("rep_quality must be in [0,1]")
	}
	return nil
}

// 反馈类型
const (
	FeedbackImmediate = "immediate"
	FeedbackNudge     = "nudge"
)

// FeedbackBody 反馈事件体（kind = feedback）
// 策略评估器派生的 nudge 也使用该类型（feedback_type = nudge）
type FeedbackBody struct {
	FeedbackType string `json:"feedback_type"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	SourceRule   string `json:"source_rule,omitempty"`
}

// Validate 校验反馈事件体
func (b *FeedbackBody) Validate() error {
	switch b.FeedbackType {
	case FeedbackImmediate, FeedbackNudge:
	default:
		return fmt.Errorf("invalid feedback_type: %s", b.FeedbackType)
	}
	if b.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// 报警优先级
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// 报警类型（工单来源规则）
const (
	AlertAdherence      = "adherence"
	AlertQualityDecline = "quality_decline"
	AlertMissedSessions = "missed_session_pattern"
	AlertManual         = "manual"
)

// AlertBody 报警事件体（kind = alert）
type AlertBody struct {
	AlertType  string `json:"alert_type"`
	Priority   string `json:"priority"` // urgent / high / medium / low
	Message    string `json:"message,omitempty"`
	SourceRule string `json:"source_rule,omitempty"`
}

// Validate 校验报警事件体（priority 为封闭枚举）
func (b *AlertBody) Validate() error {
	if b.AlertType == "" {
		return fmt.Errorf("alert_type is required")
	}
	switch b.Priority {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("invalid priority: %s", b.Priority)
	}
	return nil
}

// ConsentBody 知情同意事件体（kind = consent）
type ConsentBody struct {
	Scope      string `json:"scope"`
	Granted    bool   `json:"granted"`
	VerifiedBy string `json:"verified_by,omitempty"`
}

// Validate 校验知情同意事件体
func (b *ConsentBody) Validate() error {
	if b.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	return nil
}

// DecodeBody 按 kind 解码并校验事件体（穷举分发）
func DecodeBody(kind string, raw json.RawMessage) (EventBody, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("body is required")
	}

	var body EventBody
	switch kind {
	case KindExerciseSession:
		body = &SessionBody{}
	case KindRepObservation:
		body = &RepObservationBody{}
	case KindFeedback:
		body = &FeedbackBody{}
	case KindAlert:
		body = &AlertBody{}
	case KindConsent:
		body = &ConsentBody{}
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}

	if err := json.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", kind, err)
	}
	if err := body.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s body: %w", kind, err)
	}

	return body, nil
}

// MarshalBody 序列化事件体（构建事件时使用）
func MarshalBody(body EventBody) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return data, nil
}
