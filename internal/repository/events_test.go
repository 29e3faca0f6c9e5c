package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rehab-tracking/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEventRepo(t *testing.T) (*EventRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewEventRepository(db, zap.NewNop())
	return repo, mock, func() { db.Close() }
}

func testEvent() *models.Event {
	body, _ := json.Marshal(map[string]interface{}{"scope": "exercise_tracking", "granted": true})
	return &models.Event{
		EventID:    "evt-1",
		SubjectID:  "p1",
		Kind:       models.KindConsent,
		Body:       body,
		OccurredAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEventAppendAssignsVersion(t *testing.T) {
	repo, mock, cleanup := newEventRepo(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO events").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))

	version, err := repo.Append(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, int64(7), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// event_id 冲突（RETURNING 无行）按幂等重放处理，回查已有版本
func TestEventAppendIdempotentReplay(t *testing.T) {
	repo, mock, cleanup := newEventRepo(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO events").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT version FROM events WHERE event_id").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))

	version, err := repo.Append(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// (subject_id, version) 唯一约束冲突映射为 ErrVersionConflict
func TestEventAppendVersionConflict(t *testing.T) {
	repo, mock, cleanup := newEventRepo(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Append(context.Background(), testEvent())
	assert.Equal(t, ErrVersionConflict, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventAppendRequiresSubject(t *testing.T) {
	repo, _, cleanup := newEventRepo(t)
	defer cleanup()

	event := testEvent()
	event.SubjectID = ""
	_, err := repo.Append(context.Background(), event)
	assert.Error(t, err)
}

func TestEventReadOrdersByVersion(t *testing.T) {
	repo, mock, cleanup := newEventRepo(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{"scope": "a", "granted": true})
	audit, _ := json.Marshal([]string{"appended"})
	rows := sqlmock.NewRows([]string{
		"event_id", "subject_id", "version", "kind", "body",
		"occurred_at", "phi_flag", "consent_verified", "audit_trail",
	}).
		AddRow("evt-1", "p1", int64(1), models.KindConsent, body, time.Now(), true, false, audit).
		AddRow("evt-2", "p1", int64(2), models.KindConsent, body, time.Now(), true, false, audit)

	mock.ExpectQuery("ORDER BY version ASC").
		WillReturnRows(rows)

	events, err := repo.Read(context.Background(), "p1", EventFilters{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(2), events[1].Version)
	assert.Equal(t, []string{"appended"}, events[0].Meta.AuditTrail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventCurrentVersionEmptyStream(t *testing.T) {
	repo, mock, cleanup := newEventRepo(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	version, err := repo.CurrentVersion(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}
