package models

import (
	"encoding/json"
	"time"
)

// 趋势枚举
const (
	TrendImproving        = "improving"
	TrendDeclining        = "declining"
	TrendStable           = "stable"
	TrendUnknown          = "unknown"
	TrendInsufficientData = "insufficient_data"
)

// 会话状态（读模型）
const (
	SessionActive    = "active"
	SessionEnded     = "ended"
	SessionCancelled = "cancelled"
)

// SessionSet 会话中的一组动作记录
type SessionSet struct {
	SetNumber     int       `json:"set_number"`
	RepsCompleted int       `json:"reps_completed"`
	QualityScore  float64   `json:"quality_score"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// SessionRecord 会话读模型（对应 session_projections 表）
// 按 session_id 唯一，按 patient_id / (patient_id, exercise_id) / status / started_at 建索引
type SessionRecord struct {
	SessionID        string       `json:"session_id" db:"session_id"`
	PatientID        string       `json:"patient_id" db:"patient_id"`
	ExerciseID       string       `json:"exercise_id" db:"exercise_id"`
	Status           string       `json:"status" db:"status"`
	TargetSets       int          `json:"target_sets" db:"target_sets"`
	TargetRepsPerSet int          `json:"target_reps_per_set" db:"target_reps_per_set"`
	Sets             []SessionSet `json:"sets" db:"sets"` // JSONB
	TotalSets        int          `json:"total_sets" db:"total_sets"`
	TotalReps        int          `json:"total_reps" db:"total_reps"`
	AverageQuality   float64      `json:"average_quality" db:"average_quality"`
	StartedAt        *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty" db:"ended_at"`
	LastVersion      int64        `json:"last_version" db:"last_version"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// AdherenceRecord 依从性读模型（对应 adherence_projections 表）
type AdherenceRecord struct {
	PatientID         string     `json:"patient_id" db:"patient_id"`
	SessionsCompleted int        `json:"sessions_completed" db:"sessions_completed"`
	SessionsPrescribed int       `json:"sessions_prescribed" db:"sessions_prescribed"`
	CompletionRate    float64    `json:"completion_rate" db:"completion_rate"` // 百分比
	CurrentStreak     int        `json:"current_streak" db:"current_streak"`   // 天
	LongestStreak     int        `json:"longest_streak" db:"longest_streak"`
	StreakForgiven    bool       `json:"streak_forgiven" db:"streak_forgiven"` // 本次 streak 是否已用过 2 天豁免
	LastSessionDate   *time.Time `json:"last_session_date,omitempty" db:"last_session_date"`
	Trend             string     `json:"trend" db:"trend"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// ExerciseQuality 单个动作的质量统计
type ExerciseQuality struct {
	Observations int     `json:"observations"`
	AverageScore float64 `json:"average_score"`
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
	Trend        string  `json:"trend"`
}

// QualityRecord 动作质量读模型（对应 quality_projections 表）
type QualityRecord struct {
	PatientID         string                     `json:"patient_id" db:"patient_id"`
	TotalObservations int                        `json:"total_observations" db:"total_observations"`
	AverageScore      float64                    `json:"average_score" db:"average_score"`
	MinScore          float64                    `json:"min_score" db:"min_score"`
	MaxScore          float64                    `json:"max_score" db:"max_score"`
	PreviousAverage   float64                    `json:"previous_average" db:"previous_average"`
	ByExercise        map[string]ExerciseQuality `json:"by_exercise" db:"by_exercise"` // JSONB
	JointAngleAvg     float64                    `json:"joint_angle_avg" db:"joint_angle_avg"`
	JointAngleSamples int                        `json:"joint_angle_samples" db:"joint_angle_samples"`
	JointDeviations   int                        `json:"joint_deviations" db:"joint_deviations"`
	AnomalyCount      int                        `json:"anomaly_count" db:"anomaly_count"`
	Trend             string                     `json:"trend" db:"trend"`
	DeclineRate       float64                    `json:"decline_rate" db:"decline_rate"`
	UpdatedAt         time.Time                  `json:"updated_at" db:"updated_at"`
}

// 工单状态
const (
	WorkItemPending    = "pending"
	WorkItemInProgress = "in_progress"
	WorkItemCompleted  = "completed"
)

// SLA 状态
const (
	SLAOnTrack = "on_track"
	SLAAtRisk  = "at_risk"
	SLAMet     = "met"
	SLAMissed  = "missed"
)

// 超时严重度
const (
	BreachMinor    = "minor"
	BreachModerate = "moderate"
	BreachSevere   = "severe"
	BreachCritical = "critical"
)

// WorkQueueItem 临床工单（对应 work_queue_items 表）
type WorkQueueItem struct {
	ID            string          `json:"id" db:"id"`
	PatientID     string          `json:"patient_id" db:"patient_id"`
	SourceEventID string          `json:"source_event_id" db:"source_event_id"`
	AlertType     string          `json:"alert_type" db:"alert_type"`
	AssignedOwner *string         `json:"assigned_owner,omitempty" db:"assigned_owner"`
	Priority      string          `json:"priority" db:"priority"`
	Status        string          `json:"status" db:"status"`
	SLAStatus     string          `json:"sla_status" db:"sla_status"`
	DueDate       time.Time       `json:"due_date" db:"due_date"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Detail        json.RawMessage `json:"detail" db:"detail"` // JSONB
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PatientSummary 患者摘要（对应 patient_summaries 表）
// 综合其余三个投影，临床优先级分数 ∈ [1,10]
type PatientSummary struct {
	PatientID       string     `json:"patient_id" db:"patient_id"`
	PriorityScore   int        `json:"priority_score" db:"priority_score"`
	CompletionRate  float64    `json:"completion_rate" db:"completion_rate"`
	AdherenceTrend  string     `json:"adherence_trend" db:"adherence_trend"`
	QualityAverage  float64    `json:"quality_average" db:"quality_average"`
	QualityTrend    string     `json:"quality_trend" db:"quality_trend"`
	ActiveAlerts    int        `json:"active_alerts" db:"active_alerts"`
	LastSessionDate *time.Time `json:"last_session_date,omitempty" db:"last_session_date"`
	LastUpdatedAt   time.Time  `json:"last_updated_at" db:"last_updated_at"`
}

// Snapshot 流快照（对应 snapshots 表）
type Snapshot struct {
	SubjectID string          `json:"subject_id" db:"subject_id"`
	Version   int64           `json:"version" db:"version"`
	StateBlob json.RawMessage `json:"state_blob" db:"state_blob"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
