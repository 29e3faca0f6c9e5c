package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rehab-tracking/internal/models"
)

// 内存版读模型存储，单元测试用

type fakeSessionStore struct {
	records map[string]*models.SessionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{records: make(map[string]*models.SessionRecord)}
}

func (s *fakeSessionStore) Get(_ context.Context, sessionID string) (*models.SessionRecord, error) {
	r, ok := s.records[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (s *fakeSessionStore) Upsert(_ context.Context, record *models.SessionRecord) error {
	clone := *record
	s.records[record.SessionID] = &clone
	return nil
}

func (s *fakeSessionStore) DeleteByPatient(_ context.Context, patientID string) error {
	for id, r := range s.records {
		if r.PatientID == patientID {
			delete(s.records, id)
		}
	}
	return nil
}

type fakeAdherenceStore struct {
	records map[string]*models.AdherenceRecord
}

func newFakeAdherenceStore() *fakeAdherenceStore {
	return &fakeAdherenceStore{records: make(map[string]*models.AdherenceRecord)}
}

func (s *fakeAdherenceStore) Get(_ context.Context, patientID string) (*models.AdherenceRecord, error) {
	r, ok := s.records[patientID]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (s *fakeAdherenceStore) Upsert(_ context.Context, record *models.AdherenceRecord) error {
	clone := *record
	s.records[record.PatientID] = &clone
	return nil
}

func (s *fakeAdherenceStore) Delete(_ context.Context, patientID string) error {
	delete(s.records, patientID)
	return nil
}

type fakeQualityStore struct {
	records map[string]*models.QualityRecord
}

func newFakeQualityStore() *fakeQualityStore {
	return &fakeQualityStore{records: make(map[string]*models.QualityRecord)}
}

func (s *fakeQualityStore) Get(_ context.Context, patientID string) (*models.QualityRecord, error) {
	r, ok := s.records[patientID]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (s *fakeQualityStore) Upsert(_ context.Context, record *models.QualityRecord) error {
	clone := *record
	s.records[record.PatientID] = &clone
	return nil
}

func (s *fakeQualityStore) Delete(_ context.Context, patientID string) error {
	delete(s.records, patientID)
	return nil
}

type fakeWorkQueueStore struct {
	items        map[string]*models.WorkQueueItem // keyed by source_event_id
	slaUpdates   map[string]string
}

func newFakeWorkQueueStore() *fakeWorkQueueStore {
	return &fakeWorkQueueStore{
		items:      make(map[string]*models.WorkQueueItem),
		slaUpdates: make(map[string]string),
	}
}

func (s *fakeWorkQueueStore) Create(_ context.Context, item *models.WorkQueueItem) (bool, error) {
	if _, exists := s.items[item.SourceEventID]; exists {
		return false, nil
	}
	clone := *item
	s.items[item.SourceEventID] = &clone
	return true, nil
}

func (s *fakeWorkQueueStore) ListOpenPastDue(_ context.Context, now time.Time, _ int) ([]*models.WorkQueueItem, error) {
	var out []*models.WorkQueueItem
	for _, item := range s.items {
		if item.Status != models.WorkItemCompleted && item.DueDate.Before(now) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeWorkQueueStore) UpdateSLAStatus(_ context.Context, id, slaStatus string) error {
	s.slaUpdates[id] = slaStatus
	for _, item := range s.items {
		if item.ID == id {
			item.SLAStatus = slaStatus
		}
	}
	return nil
}

func (s *fakeWorkQueueStore) DeleteByPatient(_ context.Context, patientID string) error {
	for id, item := range s.items {
		if item.PatientID == patientID {
			delete(s.items, id)
		}
	}
	return nil
}

type fakeMarker struct {
	marks    map[string]bool
	failMark bool
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marks: make(map[string]bool)}
}

func (m *fakeMarker) MarkProcessed(_ context.Context, projection, eventID, _ string) (bool, error) {
	if m.failMark {
		return false, fmt.Errorf("marker unavailable")
	}
	key := projection + "/" + eventID
	if m.marks[key] {
		return false, nil
	}
	m.marks[key] = true
	return true, nil
}

func (m *fakeMarker) Unmark(_ context.Context, projection, eventID string) error {
	delete(m.marks, projection+"/"+eventID)
	return nil
}

func (m *fakeMarker) DeleteBySubject(_ context.Context, _ string) error {
	m.marks = make(map[string]bool)
	return nil
}

// mustEvent 构造测试事件
func mustEvent(eventID, patientID, kind string, version int64, occurredAt time.Time, body interface{}) *models.Event {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return &models.Event{
		EventID:    eventID,
		SubjectID:  patientID,
		Kind:       kind,
		Body:       raw,
		Version:    version,
		OccurredAt: occurredAt,
	}
}
