package eventstore

import (
	"context"
	"fmt"
	"time"

	"rehab-tracking/internal/domain"
	"rehab-tracking/internal/models"
	"rehab-tracking/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 事件存储：校验 → 补全 → 追加 → 条件快照
// 追加是唯一的写入口，事件日志是系统的唯一事实来源
type Store struct {
	events            *repository.EventRepository
	snapshots         *repository.SnapshotRepository
	snapshotFrequency int
	appendRetries     int
	logger            *zap.Logger
}

// NewStore 创建事件存储
func NewStore(
	events *repository.EventRepository,
	snapshots *repository.SnapshotRepository,
	snapshotFrequency int,
	appendRetries int,
	logger *zap.Logger,
) *Store {
	if snapshotFrequency <= 0 {
		snapshotFrequency = 1000
	}
	if appendRetries <= 0 {
		appendRetries = 3
	}
	return &Store{
		events:            events,
		snapshots:         snapshots,
		snapshotFrequency: snapshotFrequency,
		appendRetries:     appendRetries,
		logger:            logger,
	}
}

// Append 校验并追加一个事件，返回补全后的事件（含 event_id 与版本号）
// 调用方未提供 event_id 时生成 UUID；已提供且重复时为幂等重放
func (s *Store) Append(ctx context.Context, event *models.Event) (*models.Event, error) {
	if event.SubjectID == "" {
		return nil, domain.NewValidationError("subject_id is required")
	}
	if !models.KnownKind(event.Kind) {
		return nil, domain.NewValidationError("unknown event kind: %s", event.Kind)
	}
	if _, err := models.DecodeBody(event.Kind, event.Body); err != nil {
		return nil, domain.NewValidationError("%v", err)
	}

	// 补全：event_id / occurred_at / 审计轨迹
	enriched := *event
	if enriched.EventID == "" {
		enriched.EventID = uuid.New().String()
	}
	if enriched.OccurredAt.IsZero() {
		enriched.OccurredAt = time.Now().UTC()
	}
	enriched.Meta.AuditTrail = append(enriched.Meta.AuditTrail,
		fmt.Sprintf("appended at %s", time.Now().UTC().Format(time.RFC3339)))

	// 版本冲突仅在并发写同一流时出现，有界重试即可收敛
	var version int64
	var err error
	for attempt := 0; attempt <= s.appendRetries; attempt++ {
		version, err = s.events.Append(ctx, &enriched)
		if err == nil {
			break
		}
		if err != repository.ErrVersionConflict {
			return nil, &domain.PersistenceError{Op: "append", Err: err}
		}
		s.logger.Debug("Version conflict on append, retrying",
			zap.String("subject_id", enriched.SubjectID),
			zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "append", Err: fmt.Errorf("retries exhausted: %w", err)}
	}

	enriched.Version = version

	// 条件快照：失败仅记日志，不影响追加结果
	if version%int64(s.snapshotFrequency) == 0 {
		if snapErr := s.takeSnapshot(ctx, enriched.SubjectID, version); snapErr != nil {
			s.logger.Warn("Failed to take snapshot",
				zap.String("subject_id", enriched.SubjectID),
				zap.Int64("version", version),
				zap.Error(snapErr))
		}
	}

	return &enriched, nil
}

// Read 按版本升序读取流事件
func (s *Store) Read(ctx context.Context, subjectID string, filters repository.EventFilters) ([]*models.Event, error) {
	events, err := s.events.Read(ctx, subjectID, filters)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read", Err: err}
	}
	return events, nil
}

// CurrentVersion 查询流的当前版本
func (s *Store) CurrentVersion(ctx context.Context, subjectID string) (int64, error) {
	version, err := s.events.CurrentVersion(ctx, subjectID)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "read", Err: err}
	}
	return version, nil
}

// LoadState 重建流的派生状态：最新快照 + 快照之后的事件尾部
// 无快照时从头完整重放
func (s *Store) LoadState(ctx context.Context, subjectID string) (*domain.StreamState, int64, error) {
	state := domain.NewStreamState(subjectID)
	var fromVersion int64 = 1

	snapshot, err := s.snapshots.GetLatest(ctx, subjectID)
	if err != nil {
		// 快照仅是缓存：读取失败降级为完整重放
		s.logger.Warn("Failed to load snapshot, replaying full stream",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	} else if snapshot != nil {
		restored, err := domain.UnmarshalStreamState(snapshot.StateBlob)
		if err != nil {
			s.logger.Warn("Corrupt snapshot blob, replaying full stream",
				zap.String("subject_id", subjectID),
				zap.Int64("snapshot_version", snapshot.Version),
				zap.Error(err))
		} else {
			state = restored
			fromVersion = snapshot.Version + 1
		}
	}

	events, err := s.events.Read(ctx, subjectID, repository.EventFilters{FromVersion: fromVersion})
	if err != nil {
		return nil, 0, &domain.PersistenceError{Op: "read", Err: err}
	}

	version := fromVersion - 1
	for _, event := range events {
		if err := state.Apply(event); err != nil {
			// 日志中的坏事件跳过即可，折叠对未知/畸形体是宽容的
			s.logger.Warn("Skipping malformed event during replay",
				zap.String("subject_id", subjectID),
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
		version = event.Version
	}

	return state, version, nil
}

// takeSnapshot 重建状态并保存快照
func (s *Store) takeSnapshot(ctx context.Context, subjectID string, version int64) error {
	state, stateVersion, err := s.LoadState(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	blob, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.snapshots.Save(ctx, &models.Snapshot{
		SubjectID: subjectID,
		Version:   stateVersion,
		StateBlob: blob,
	}); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Info("Snapshot taken",
		zap.String("subject_id", subjectID),
		zap.Int64("version", stateVersion))
	return nil
}
