package projection

import (
	"context"
	"testing"
	"time"

	"rehab-tracking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionProjectionLifecycle(t *testing.T) {
	store := newFakeSessionStore()
	p := NewSessionProjection(store, zap.NewNop())

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	events := []*models.Event{
		mustEvent("e1", "p1", models.KindExerciseSession, 1, base, &models.SessionBody{
			SessionID: "s1", ExerciseID: "squat", Phase: models.PhaseStarted, TargetSets: 2,
		}),
		mustEvent("e2", "p1", models.KindExerciseSession, 2, base.Add(time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 1, RepsCompleted: 10, QualityScore: 0.9,
		}),
		mustEvent("e3", "p1", models.KindExerciseSession, 3, base.Add(2*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseSetRecorded,
			SetNumber: 2, RepsCompleted: 8, QualityScore: 0.7,
		}),
		mustEvent("e4", "p1", models.KindExerciseSession, 4, base.Add(3*time.Minute), &models.SessionBody{
			SessionID: "s1", Phase: models.PhaseEnded,
			CompletionStatus: models.CompletionCompleted,
		}),
	}

	for _, event := range events {
		require.NoError(t, p.Apply(context.Background(), event))
	}

	record, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, record.Status)
	assert.Equal(t, 2, record.TotalSets)
	assert.Equal(t, 18, record.TotalReps)
	assert.InDelta(t, 0.8, record.AverageQuality, 1e-9)
	assert.Equal(t, int64(4), record.LastVersion)
}

// 版本守卫：迟到的旧事件不回退记录
func TestSessionProjectionStaleVersionSkipped(t *testing.T) {
	store := newFakeSessionStore()
	p := NewSessionProjection(store, zap.NewNop())

	base := time.Now().UTC()
	newer := mustEvent("e2", "p1", models.KindExerciseSession, 5, base, &models.SessionBody{
		SessionID: "s1", Phase: models.PhaseEnded,
	})
	older := mustEvent("e1", "p1", models.KindExerciseSession, 3, base, &models.SessionBody{
		SessionID: "s1", Phase: models.PhaseSetRecorded,
		SetNumber: 1, RepsCompleted: 10, QualityScore: 0.9,
	})

	require.NoError(t, p.Apply(context.Background(), newer))
	require.NoError(t, p.Apply(context.Background(), older))

	record, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, record.Status)
	assert.Equal(t, 0, record.TotalReps)
	assert.Equal(t, int64(5), record.LastVersion)
}
