package projection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"rehab-tracking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func observation(eventID, patientID, exerciseID string, version int64, formScore float64) *models.Event {
	return mustEvent(eventID, patientID, models.KindRepObservation, version, time.Now().UTC(), &models.RepObservationBody{
		ExerciseID: exerciseID,
		FormScore:  formScore,
	})
}

func TestQualityIncrementalMean(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	scores := []float64{0.9, 0.8, 0.7}
	for i, score := range scores {
		event := observation(fmt.Sprintf("evt-%d", i), "p1", "squat", int64(i+1), score)
		require.NoError(t, p.Apply(context.Background(), event))
	}

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.TotalObservations)
	assert.InDelta(t, 0.8, record.AverageScore, 1e-9)
	assert.InDelta(t, 0.7, record.MinScore, 1e-9)
	assert.InDelta(t, 0.9, record.MaxScore, 1e-9)
}

func TestQualityPerExerciseBreakdown(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	require.NoError(t, p.Apply(context.Background(), observation("e1", "p1", "squat", 1, 0.9)))
	require.NoError(t, p.Apply(context.Background(), observation("e2", "p1", "lunge", 2, 0.5)))
	require.NoError(t, p.Apply(context.Background(), observation("e3", "p1", "squat", 3, 0.7)))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)

	squat := record.ByExercise["squat"]
	assert.Equal(t, 2, squat.Observations)
	assert.InDelta(t, 0.8, squat.AverageScore, 1e-9)

	lunge := record.ByExercise["lunge"]
	assert.Equal(t, 1, lunge.Observations)
	assert.InDelta(t, 0.5, lunge.AverageScore, 1e-9)
}

func TestQualityJointAngleDeviation(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	angle := func(v float64) *float64 { return &v }

	events := []*models.Event{
		mustEvent("e1", "p1", models.KindRepObservation, 1, time.Now().UTC(), &models.RepObservationBody{
			ExerciseID: "squat", FormScore: 0.8, JointAngle: angle(90),
		}),
		mustEvent("e2", "p1", models.KindRepObservation, 2, time.Now().UTC(), &models.RepObservationBody{
			ExerciseID: "squat", FormScore: 0.8, JointAngle: angle(92),
		}),
		// 偏离运行均值 91 超过 20 度
		mustEvent("e3", "p1", models.KindRepObservation, 3, time.Now().UTC(), &models.RepObservationBody{
			ExerciseID: "squat", FormScore: 0.8, JointAngle: angle(130),
		}),
	}
	for _, event := range events {
		require.NoError(t, p.Apply(context.Background(), event))
	}

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.JointAngleSamples)
	assert.Equal(t, 1, record.JointDeviations)
}

func TestQualityAnomalyCounter(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	event := mustEvent("e1", "p1", models.KindRepObservation, 1, time.Now().UTC(), &models.RepObservationBody{
		ExerciseID:      "squat",
		FormScore:       0.8,
		AnomalyDetected: true,
	})
	require.NoError(t, p.Apply(context.Background(), event))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, record.AnomalyCount)
}

// 首个观测即有趋势：单点无均值可比，按 stable 处理
func TestQualityTrendFirstObservationStable(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	require.NoError(t, p.Apply(context.Background(), observation("e1", "p1", "squat", 1, 0.9)))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.TrendStable, record.Trend)
	assert.Equal(t, models.TrendStable, record.ByExercise["squat"].Trend)
}

func TestQualityTrendDeclining(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	// 第二个观测把均值从 0.9 拉到 0.55，跌幅超过阈值
	require.NoError(t, p.Apply(context.Background(), observation("e1", "p1", "squat", 1, 0.9)))
	require.NoError(t, p.Apply(context.Background(), observation("e2", "p1", "squat", 2, 0.2)))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.TrendDeclining, record.Trend)
	assert.Greater(t, record.DeclineRate, 0.15)
}

func TestQualityIgnoresOtherKinds(t *testing.T) {
	store := newFakeQualityStore()
	p := NewQualityProjection(store, 0.05, 0.1, 20, zap.NewNop())

	event := mustEvent("e1", "p1", models.KindExerciseSession, 1, time.Now().UTC(), &models.SessionBody{
		SessionID: "s1", ExerciseID: "squat", Phase: models.PhaseStarted,
	})
	require.NoError(t, p.Apply(context.Background(), event))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, record)
}
