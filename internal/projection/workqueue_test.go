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

func testSLATable(priority string) int {
	switch priority {
	case models.PriorityUrgent:
		return 1
	case models.PriorityHigh:
		return 4
	case models.PriorityMedium:
		return 24
	default:
		return 72
	}
}

func alertEvent(eventID, patientID, priority string, occurredAt time.Time) *models.Event {
	return mustEvent(eventID, patientID, models.KindAlert, 1, occurredAt, &models.AlertBody{
		AlertType: models.AlertQualityDecline,
		Priority:  priority,
		Message:   "test alert",
	})
}

func TestWorkQueueCreatesItemWithSLA(t *testing.T) {
	store := newFakeWorkQueueStore()
	p := NewWorkQueueProjection(store, testSLATable, nil, zap.NewNop())

	occurred := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Apply(context.Background(), alertEvent("evt-1", "p1", models.PriorityHigh, occurred)))

	item := store.items["evt-1"]
	require.NotNil(t, item)
	assert.Equal(t, models.WorkItemPending, item.Status)
	assert.Equal(t, models.SLAOnTrack, item.SLAStatus)
	assert.Equal(t, occurred.Add(4*time.Hour), item.DueDate)
	assert.Equal(t, models.AlertQualityDecline, item.AlertType)
}

// 同一 alert 事件重投递不会产生第二张工单
func TestWorkQueueDeduplicatesBySourceEvent(t *testing.T) {
	store := newFakeWorkQueueStore()
	p := NewWorkQueueProjection(store, testSLATable, nil, zap.NewNop())

	event := alertEvent("evt-1", "p1", models.PriorityMedium, time.Now().UTC())
	require.NoError(t, p.Apply(context.Background(), event))
	require.NoError(t, p.Apply(context.Background(), event))

	assert.Len(t, store.items, 1)
}

// 过期的开放工单标记为 at_risk：missed 只在超时完成时定格
func TestWorkQueueRefreshSLAFlagsOverdueAtRisk(t *testing.T) {
	store := newFakeWorkQueueStore()
	p := NewWorkQueueProjection(store, testSLATable, nil, zap.NewNop())

	occurred := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Apply(context.Background(), alertEvent("evt-1", "p1", models.PriorityUrgent, occurred)))

	// urgent SLA 1 小时，两小时后巡检
	require.NoError(t, p.RefreshSLA(context.Background(), occurred.Add(2*time.Hour)))

	item := store.items["evt-1"]
	assert.Equal(t, models.SLAAtRisk, item.SLAStatus)
	assert.Equal(t, models.WorkItemPending, item.Status)
}

func TestSLAStatusAt(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	due := created.Add(4 * time.Hour)
	item := &models.WorkQueueItem{
		Status:    models.WorkItemPending,
		CreatedAt: created,
		DueDate:   due,
	}

	assert.Equal(t, models.SLAOnTrack, SLAStatusAt(item, created.Add(time.Hour)))
	assert.Equal(t, models.SLAOnTrack, SLAStatusAt(item, created.Add(3*time.Hour+30*time.Minute)))
	// 过期但仍开放：at_risk，完成前不定格为 missed
	assert.Equal(t, models.SLAAtRisk, SLAStatusAt(item, due.Add(time.Minute)))
	assert.Equal(t, models.SLAAtRisk, SLAStatusAt(item, due.Add(time.Hour)))

	onTime := due.Add(-time.Hour)
	completed := &models.WorkQueueItem{
		Status:      models.WorkItemCompleted,
		CreatedAt:   created,
		DueDate:     due,
		CompletedAt: &onTime,
	}
	assert.Equal(t, models.SLAMet, SLAStatusAt(completed, due.Add(time.Hour)))

	late := due.Add(time.Hour)
	completed.CompletedAt = &late
	assert.Equal(t, models.SLAMissed, SLAStatusAt(completed, due.Add(2*time.Hour)))
}

// 超时严重度：4 小时 SLA 的工单在 9 小时后处理，比值 2.25 → critical
func TestBreachSeverity(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	item := &models.WorkQueueItem{
		CreatedAt: created,
		DueDate:   created.Add(4 * time.Hour),
	}

	assert.Equal(t, models.BreachCritical, BreachSeverity(item, created.Add(9*time.Hour)))
	assert.Equal(t, models.BreachSevere, BreachSeverity(item, created.Add(6*time.Hour)))
	assert.Equal(t, models.BreachModerate, BreachSeverity(item, created.Add(4*time.Hour)))
	assert.Equal(t, models.BreachMinor, BreachSeverity(item, created.Add(2*time.Hour)))
}
