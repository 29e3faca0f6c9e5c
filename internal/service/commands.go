package service

import (
	"context"

	common_redis "rehab-tracking/common/redis"
	"rehab-tracking/internal/domain"
	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// StartSession 开始训练会话
// 重放聚合 → 状态机校验 → 写事件日志 → 入流（投影与策略异步跟进）
func (s *Service) StartSession(ctx context.Context, cmd domain.StartSession) (*models.Event, error) {
	state, _, err := s.store.LoadState(ctx, cmd.PatientID)
	if err != nil {
		return nil, err
	}

	session := state.Sessions[cmd.SessionID]
	if session == nil {
		session = domain.NewSession(cmd.SessionID)
	}

	body, err := session.HandleStart(cmd)
	if err != nil {
		return nil, err
	}

	return s.appendSessionEvent(ctx, cmd.PatientID, body)
}

// RecordSet 记录一组动作
func (s *Service) RecordSet(ctx context.Context, patientID string, cmd domain.RecordSet) (*models.Event, error) {
	if patientID == "" {
		return nil, domain.NewValidationError("patient_id is required")
	}

	state, _, err := s.store.LoadState(ctx, patientID)
	if err != nil {
		return nil, err
	}

	session := state.Sessions[cmd.SessionID]
	if session == nil {
		session = domain.NewSession(cmd.SessionID)
	}

	body, err := session.HandleRecordSet(cmd)
	if err != nil {
		return nil, err
	}

	return s.appendSessionEvent(ctx, patientID, body)
}

// EndSession 结束训练会话
func (s *Service) EndSession(ctx context.Context, patientID string, cmd domain.EndSession) (*models.Event, error) {
	if patientID == "" {
		return nil, domain.NewValidationError("patient_id is required")
	}

	state, _, err := s.store.LoadState(ctx, patientID)
	if err != nil {
		return nil, err
	}

	session := state.Sessions[cmd.SessionID]
	if session == nil {
		session = domain.NewSession(cmd.SessionID)
	}

	body, err := session.HandleEnd(cmd)
	if err != nil {
		return nil, err
	}

	return s.appendSessionEvent(ctx, patientID, body)
}

// RecordConsent 记录知情同意
func (s *Service) RecordConsent(ctx context.Context, patientID string, body *models.ConsentBody) (*models.Event, error) {
	if patientID == "" {
		return nil, domain.NewValidationError("patient_id is required")
	}
	if err := body.Validate(); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}

	raw, err := models.MarshalBody(body)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		SubjectID: patientID,
		Kind:      models.KindConsent,
		Body:      raw,
		Meta: models.EventMeta{
			PHIFlag:         true,
			ConsentVerified: body.Granted,
		},
	}

	stored, err := s.store.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// RaiseAlert 手工创建报警（临床端直接挂工单）
func (s *Service) RaiseAlert(ctx context.Context, patientID string, body *models.AlertBody) (*models.Event, error) {
	if patientID == "" {
		return nil, domain.NewValidationError("patient_id is required")
	}
	if err := body.Validate(); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}

	raw, err := models.MarshalBody(body)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		SubjectID: patientID,
		Kind:      models.KindAlert,
		Body:      raw,
		Meta:      models.EventMeta{PHIFlag: true},
	}

	stored, err := s.store.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// IngestStatus 批量摄取的单条结果
type IngestStatus struct {
	Index    int    `json:"index"`
	EventID  string `json:"event_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Ingest 批量摄取外部信封：逐条校验入账，合法条目入流
// 单条失败不影响其余条目（部分成功是预期结果）
func (s *Service) Ingest(ctx context.Context, envelopes []*models.RawEnvelope) []IngestStatus {
	results := make([]IngestStatus, 0, len(envelopes))

	for i, env := range envelopes {
		status := IngestStatus{Index: i}

		event := env.ToEvent()
		stored, err := s.store.Append(ctx, event)
		if err != nil {
			status.Reason = err.Error()
			s.logger.Warn("Ingest rejected envelope",
				zap.Int("index", i),
				zap.String("kind", env.Kind),
				zap.Error(err))
			results = append(results, status)
			continue
		}

		if err := s.publish(ctx, stored); err != nil {
			// 已入账未入流：投影经重建仍可补齐，如实上报
			status.Reason = err.Error()
			status.EventID = stored.EventID
			results = append(results, status)
			continue
		}

		status.Accepted = true
		status.EventID = stored.EventID
		results = append(results, status)
	}

	return results
}

// appendSessionEvent 会话命令的公共落库路径
func (s *Service) appendSessionEvent(ctx context.Context, patientID string, body *models.SessionBody) (*models.Event, error) {
	raw, err := models.MarshalBody(body)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		SubjectID: patientID,
		Kind:      models.KindExerciseSession,
		Body:      raw,
		Meta:      models.EventMeta{PHIFlag: true},
	}

	stored, err := s.store.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, stored); err != nil {
		return nil, err
	}

	s.logger.Info("Session event appended",
		zap.String("patient_id", patientID),
		zap.String("session_id", body.SessionID),
		zap.String("phase", body.Phase),
		zap.Int64("version", stored.Version))
	return stored, nil
}

// publish 将已入账事件发布到原始流（携带 event_id 与版本号）
func (s *Service) publish(ctx context.Context, event *models.Event) error {
	_, err := common_redis.PublishJSONToStream(ctx, s.redis, s.cfg.Pipeline.RawStream, event.Envelope())
	return err
}
