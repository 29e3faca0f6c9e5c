package domain

import (
	"encoding/json"
	"time"

	"rehab-tracking/internal/models"
)

// 聚合状态机：none → active → {ended | cancelled}（终态）
const (
	StatusNone      = "none"
	StatusActive    = "active"
	StatusEnded     = "ended"
	StatusCancelled = "cancelled"
)

// Session 训练会话聚合状态
// 事件日志是唯一事实来源，内存状态是可丢弃的派生缓存
type Session struct {
	SessionID        string              `json:"session_id"`
	PatientID        string              `json:"patient_id"`
	ExerciseID       string              `json:"exercise_id"`
	Status           string              `json:"status"`
	TargetSets       int                 `json:"target_sets"`
	TargetRepsPerSet int                 `json:"target_reps_per_set"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	EndedAt          *time.Time          `json:"ended_at,omitempty"`
	Sets             []models.SessionSet `json:"sets"`
	TotalReps        int                 `json:"total_reps"`
}

// NewSession 创建初始（none）状态的聚合
func NewSession(sessionID string) *Session {
	return &Session{
		SessionID: sessionID,
		Status:    StatusNone,
	}
}

// StartSession 开始会话命令
type StartSession struct {
	SessionID        string
	PatientID        string
	ExerciseID       string
	TargetSets       int
	TargetRepsPerSet int
	PrescribedTotal  int
}

// RecordSet 记录一组动作命令
type RecordSet struct {
	SessionID     string
	SetNumber     int
	RepsCompleted int
	QualityScore  float64
}

// EndSession 结束会话命令
type EndSession struct {
	SessionID        string
	CompletionStatus string
}

// HandleStart 处理开始命令：none → active，产出一个 started 事件体
func (s *Session) HandleStart(cmd StartSession) (*models.SessionBody, error) {
	if cmd.SessionID == "" {
		return nil, NewValidationError("session_id is required")
	}
	if cmd.PatientID == "" {
		return nil, NewValidationError("patient_id is required")
	}
	if cmd.ExerciseID == "" {
		return nil, NewValidationError("exercise_id is required")
	}

	switch s.Status {
	case StatusNone:
		// 合法转移
	case StatusActive:
		return nil, &StateConflictError{Reason: ReasonAlreadyStarted, SessionID: cmd.SessionID}
	case StatusEnded:
		return nil, &StateConflictError{Reason: ReasonAlreadyEnded, SessionID: cmd.SessionID}
	default:
		return nil, &StateConflictError{Reason: ReasonCancelled, SessionID: cmd.SessionID}
	}

	return &models.SessionBody{
		SessionID:        cmd.SessionID,
		ExerciseID:       cmd.ExerciseID,
		Phase:            models.PhaseStarted,
		TargetSets:       cmd.TargetSets,
		TargetRepsPerSet: cmd.TargetRepsPerSet,
		PrescribedTotal:  cmd.PrescribedTotal,
	}, nil
}

// HandleRecordSet 处理记录命令：active 状态下累积 sets / total_reps
func (s *Session) HandleRecordSet(cmd RecordSet) (*models.SessionBody, error) {
	if cmd.SetNumber <= 0 {
		return nil, NewValidationError("set_number must be positive")
	}
	if cmd.RepsCompleted < 0 {
		return nil, NewValidationError("reps_completed must not be negative")
	}
	if cmd.QualityScore < 0 || cmd.QualityScore > 1 {
		return nil, NewValidationError("quality_score must be in [0,1]")
	}

	if err := s.requireActive(cmd.SessionID); err != nil {
		return nil, err
	}

	return &models.SessionBody{
		SessionID:     cmd.SessionID,
		ExerciseID:    s.ExerciseID,
		Phase:         models.PhaseSetRecorded,
		SetNumber:     cmd.SetNumber,
		RepsCompleted: cmd.RepsCompleted,
		QualityScore:  cmd.QualityScore,
	}, nil
}

// HandleEnd 处理结束命令：active → ended（或 cancelled）
func (s *Session) HandleEnd(cmd EndSession) (*models.SessionBody, error) {
	status := cmd.CompletionStatus
	if status == "" {
		status = models.CompletionCompleted
	}
	switch status {
	case models.CompletionCompleted, models.CompletionAbandoned, models.CompletionCancelled:
	default:
		return nil, NewValidationError("invalid completion_status: %s", status)
	}

	if err := s.requireActive(cmd.SessionID); err != nil {
		return nil, err
	}

	return &models.SessionBody{
		SessionID:        cmd.SessionID,
		ExerciseID:       s.ExerciseID,
		Phase:            models.PhaseEnded,
		CompletionStatus: status,
	}, nil
}

// requireActive 终态与未开始状态的统一守卫
func (s *Session) requireActive(sessionID string) error {
	switch s.Status {
	case StatusActive:
		return nil
	case StatusNone:
		return &StateConflictError{Reason: ReasonNotStarted, SessionID: sessionID}
	case StatusEnded:
		return &StateConflictError{Reason: ReasonAlreadyEnded, SessionID: sessionID}
	default:
		return &StateConflictError{Reason: ReasonCancelled, SessionID: sessionID}
	}
}

// Apply 将事件折叠进聚合状态（纯函数式折叠，重放安全）
// 相同事件序列从 none 折叠两次得到相同状态
func (s *Session) Apply(event *models.Event) error {
	if event.Kind != models.KindExerciseSession {
		return nil
	}

	var body models.SessionBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return NewValidationError("malformed session body: %v", err)
	}
	if body.SessionID != s.SessionID {
		return nil
	}

	switch body.Phase {
	case models.PhaseStarted:
		s.PatientID = event.SubjectID
		s.ExerciseID = body.ExerciseID
		s.TargetSets = body.TargetSets
		s.TargetRepsPerSet = body.TargetRepsPerSet
		s.Status = StatusActive
		startedAt := event.OccurredAt
		s.StartedAt = &startedAt

	case models.PhaseSetRecorded:
		s.Sets = append(s.Sets, models.SessionSet{
			SetNumber:     body.SetNumber,
			RepsCompleted: body.RepsCompleted,
			QualityScore:  body.QualityScore,
			RecordedAt:    event.OccurredAt,
		})
		s.TotalReps += body.RepsCompleted

	case models.PhaseEnded:
		if body.CompletionStatus == models.CompletionCancelled {
			s.Status = StatusCancelled
		} else {
			s.Status = StatusEnded
		}
		endedAt := event.OccurredAt
		s.EndedAt = &endedAt
	}

	return nil
}

// AverageQuality 会话内各组质量得分均值
func (s *Session) AverageQuality() float64 {
	if len(s.Sets) == 0 {
		return 0
	}
	sum := 0.0
	for _, set := range s.Sets {
		sum += set.QualityScore
	}
	return sum / float64(len(s.Sets))
}

// StreamState 单个患者事件流的派生状态（快照的 state_blob）
type StreamState struct {
	SubjectID string              `json:"subject_id"`
	Sessions  map[string]*Session `json:"sessions"`
}

// NewStreamState 创建空的流状态
func NewStreamState(subjectID string) *StreamState {
	return &StreamState{
		SubjectID: subjectID,
		Sessions:  make(map[string]*Session),
	}
}

// Apply 将事件折叠进流状态（非会话事件为 no-op）
func (st *StreamState) Apply(event *models.Event) error {
	if event.Kind != models.KindExerciseSession {
		return nil
	}

	var body models.SessionBody
	if err := json.Unmarshal(event.Body, &body); err != nil {
		return NewValidationError("malformed session body: %v", err)
	}

	session, ok := st.Sessions[body.SessionID]
	if !ok {
		session = NewSession(body.SessionID)
		st.Sessions[body.SessionID] = session
	}

	return session.Apply(event)
}

// Marshal 序列化为快照 state_blob
func (st *StreamState) Marshal() (json.RawMessage, error) {
	return json.Marshal(st)
}

// UnmarshalStreamState 从快照 state_blob 还原流状态
func UnmarshalStreamState(blob json.RawMessage) (*StreamState, error) {
	var st StreamState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, err
	}
	if st.Sessions == nil {
		st.Sessions = make(map[string]*Session)
	}
	return &st, nil
}
