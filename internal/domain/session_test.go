package domain

import (
	"encoding/json"
	"testing"
	"time"

	"rehab-tracking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionEvent(t *testing.T, patientID string, version int64, occurredAt time.Time, body *models.SessionBody) *models.Event {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &models.Event{
		EventID:    "evt-" + body.SessionID + "-" + body.Phase,
		SubjectID:  patientID,
		Kind:       models.KindExerciseSession,
		Body:       raw,
		Version:    version,
		OccurredAt: occurredAt,
	}
}

func TestHandleStart(t *testing.T) {
	session := NewSession("s1")

	body, err := session.HandleStart(StartSession{
		SessionID:  "s1",
		PatientID:  "p1",
		ExerciseID: "knee-flexion",
		TargetSets: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStarted, body.Phase)
	assert.Equal(t, "knee-flexion", body.ExerciseID)
}

func TestHandleStartValidation(t *testing.T) {
	session := NewSession("s1")

	_, err := session.HandleStart(StartSession{SessionID: "s1", PatientID: "p1"})
	assert.True(t, IsValidation(err))
}

func TestHandleStartAlreadyStarted(t *testing.T) {
	session := NewSession("s1")
	session.Status = StatusActive

	_, err := session.HandleStart(StartSession{
		SessionID:  "s1",
		PatientID:  "p1",
		ExerciseID: "knee-flexion",
	})
	require.True(t, IsStateConflict(err))
	assert.Equal(t, ReasonAlreadyStarted, ConflictReason(err))
}

func TestHandleRecordSetBeforeStart(t *testing.T) {
	session := NewSession("s1")

	_, err := session.HandleRecordSet(RecordSet{
		SessionID:     "s1",
		SetNumber:     1,
		RepsCompleted: 10,
		QualityScore:  0.9,
	})
	require.True(t, IsStateConflict(err))
	assert.Equal(t, ReasonNotStarted, ConflictReason(err))
}

func TestHandleRecordSetAfterEnd(t *testing.T) {
	session := NewSession("s1")
	session.Status = StatusEnded

	_, err := session.HandleRecordSet(RecordSet{
		SessionID:     "s1",
		SetNumber:     1,
		RepsCompleted: 10,
		QualityScore:  0.9,
	})
	require.True(t, IsStateConflict(err))
	assert.Equal(t, ReasonAlreadyEnded, ConflictReason(err))
}

func TestHandleRecordSetScoreRange(t *testing.T) {
	session := NewSession("s1")
	session.Status = StatusActive

	_, err := session.HandleRecordSet(RecordSet{
		SessionID:     "s1",
		SetNumber:     1,
		RepsCompleted: 10,
		QualityScore:  1.2,
	})
	assert.True(t, IsValidation(err))
}

func TestHandleEndOnCancelled(t *testing.T) {
	session := NewSession("s1")
	session.Status = StatusCancelled

	_, err := session.HandleEnd(EndSession{SessionID: "s1"})
	require.True(t, IsStateConflict(err))
	assert.Equal(t, ReasonCancelled, ConflictReason(err))
}

func TestHandleEndInvalidCompletion(t *testing.T) {
	session := NewSession("s1")
	session.Status = StatusActive

	_, err := session.HandleEnd(EndSession{SessionID: "s1", CompletionStatus: "paused"})
	assert.True(t, IsValidation(err))
}

// 完整生命周期折叠：开始 → 3 组 → 结束
func TestApplyFullLifecycle(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	events := []*models.Event{
		sessionEvent(t, "p1", 1, base, &models.SessionBody{
			SessionID:  "s1",
			ExerciseID: "knee-flexion",
			Phase:      models.PhaseStarted,
			TargetSets: 3,
		}),
		sessionEvent(t, "p1", 2, base.Add(2*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 1, RepsCompleted: 10, QualityScore: 0.9,
		}),
		sessionEvent(t, "p1", 3, base.Add(4*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 2, RepsCompleted: 10, QualityScore: 0.8,
		}),
		sessionEvent(t, "p1", 4, base.Add(6*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 3, RepsCompleted: 10, QualityScore: 0.7,
		}),
		sessionEvent(t, "p1", 5, base.Add(8*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseEnded,
			CompletionStatus: models.CompletionCompleted,
		}),
	}

	session := NewSession("s1")
	for _, event := range events {
		require.NoError(t, session.Apply(event))
	}

	assert.Equal(t, StatusEnded, session.Status)
	assert.Equal(t, "p1", session.PatientID)
	assert.Len(t, session.Sets, 3)
	assert.Equal(t, 30, session.TotalReps)
	assert.InDelta(t, 0.8, session.AverageQuality(), 1e-9)
	require.NotNil(t, session.EndedAt)
}

// 重放确定性：同一事件序列折叠两次得到相同状态
func TestApplyReplayDeterminism(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	events := []*models.Event{
		sessionEvent(t, "p1", 1, base, &models.SessionBody{
			SessionID: "s1", ExerciseID: "squat", Phase: models.PhaseStarted,
		}),
		sessionEvent(t, "p1", 2, base.Add(time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 1, RepsCompleted: 12, QualityScore: 0.85,
		}),
		sessionEvent(t, "p1", 3, base.Add(2*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseEnded,
		}),
	}

	first := NewSession("s1")
	second := NewSession("s1")
	for _, event := range events {
		require.NoError(t, first.Apply(event))
	}
	for _, event := range events {
		require.NoError(t, second.Apply(event))
	}

	assert.Equal(t, first, second)
}

func TestApplyCancelledSession(t *testing.T) {
	base := time.Now().UTC()
	session := NewSession("s1")
	require.NoError(t, session.Apply(sessionEvent(t, "p1", 1, base, &models.SessionBody{
		SessionID: "s1", ExerciseID: "squat", Phase: models.PhaseStarted,
	})))
	require.NoError(t, session.Apply(sessionEvent(t, "p1", 2, base, &models.SessionBody{
		SessionID: "s1", Phase: models.PhaseEnded,
		CompletionStatus: models.CompletionCancelled,
	})))

	assert.Equal(t, StatusCancelled, session.Status)
}

func TestStreamStateSnapshotRoundTrip(t *testing.T) {
	base := time.Now().UTC()
	state := NewStreamState("p1")
	require.NoError(t, state.Apply(sessionEvent(t, "p1", 1, base, &models.SessionBody{
		SessionID: "s1", ExerciseID: "squat", Phase: models.PhaseStarted, TargetSets: 3,
	})))
	require.NoError(t, state.Apply(sessionEvent(t, "p1", 2, base, &models.SessionBody{
		SessionID: "s1", Phase: models.PhaseSetRecorded,
		SetNumber: 1, RepsCompleted: 8, QualityScore: 0.75,
	})))

	blob, err := state.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalStreamState(blob)
	require.NoError(t, err)

	require.Contains(t, restored.Sessions, "s1")
	assert.Equal(t, StatusActive, restored.Sessions["s1"].Status)
	assert.Equal(t, 8, restored.Sessions["s1"].TotalReps)
}
