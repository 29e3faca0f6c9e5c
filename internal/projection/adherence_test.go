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

func completedSession(eventID, patientID string, version int64, day time.Time) *models.Event {
	return mustEvent(eventID, patientID, models.KindExerciseSession, version, day, &models.SessionBody{
		SessionID:        "s-" + eventID,
		Phase:            models.PhaseEnded,
		CompletionStatus: models.CompletionCompleted,
	})
}

func applyCompletions(t *testing.T, p *AdherenceProjection, patientID string, days []time.Time) {
	t.Helper()
	for i, day := range days {
		event := completedSession(fmt.Sprintf("evt-%d", i), patientID, int64(i+1), day)
		require.NoError(t, p.Apply(context.Background(), event))
	}
}

func TestAdherenceStreakConsecutiveDays(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	applyCompletions(t, p, "p1", []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.CurrentStreak)
	assert.Equal(t, 3, record.LongestStreak)
	assert.Equal(t, 3, record.SessionsCompleted)
}

func TestAdherenceStreakSameDayNotDoubleCounted(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	applyCompletions(t, p, "p1", []time.Time{base, base.Add(4 * time.Hour)})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, record.CurrentStreak)
	assert.Equal(t, 2, record.SessionsCompleted)
}

// 单日缺席豁免一次，第二次两天间隔重置
func TestAdherenceStreakForgiveness(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	applyCompletions(t, p, "p1", []time.Time{
		base,
		base.AddDate(0, 0, 2), // 间隔 2 天：豁免，streak=2
		base.AddDate(0, 0, 3), // 连续：streak=3
	})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.CurrentStreak)
	assert.True(t, record.StreakForgiven)

	// 豁免已用，再次间隔 2 天 → 重置为 1
	applyCompletions(t, p, "p2", []time.Time{
		base,
		base.AddDate(0, 0, 2),
		base.AddDate(0, 0, 4),
	})
	record2, err := store.Get(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, record2.CurrentStreak)
	assert.False(t, record2.StreakForgiven)
}

func TestAdherenceStreakLongGapResets(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	applyCompletions(t, p, "p1", []time.Time{
		base,
		base.AddDate(0, 0, 1),
		base.AddDate(0, 0, 5), // 间隔 4 天：重置
	})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, record.CurrentStreak)
	assert.Equal(t, 2, record.LongestStreak)
}

func TestAdherenceCompletionRate(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// started 事件携带处方总数
	started := mustEvent("evt-start", "p1", models.KindExerciseSession, 1, base, &models.SessionBody{
		SessionID:       "s1",
		ExerciseID:      "squat",
		Phase:           models.PhaseStarted,
		PrescribedTotal: 10,
	})
	require.NoError(t, p.Apply(context.Background(), started))

	applyCompletions(t, p, "p1", []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, record.SessionsPrescribed)
	assert.InDelta(t, 30.0, record.CompletionRate, 1e-9)
}

// 首次完成即有趋势：单点无对比基线，按 stable 处理
func TestAdherenceFirstCompletionTrendStable(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	applyCompletions(t, p, "p1", []time.Time{base})

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.TrendStable, record.Trend)
}

func TestAdherenceIgnoresAbandonedSessions(t *testing.T) {
	store := newFakeAdherenceStore()
	p := NewAdherenceProjection(store, 10, 12, zap.NewNop())

	abandoned := mustEvent("evt-1", "p1", models.KindExerciseSession, 1, time.Now().UTC(), &models.SessionBody{
		SessionID:        "s1",
		Phase:            models.PhaseEnded,
		CompletionStatus: models.CompletionAbandoned,
	})
	require.NoError(t, p.Apply(context.Background(), abandoned))

	record, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, record)
}
