package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	common_database "rehab-tracking/common/database"
	common_mqtt "rehab-tracking/common/mqtt"
	common_redis "rehab-tracking/common/redis"
	"rehab-tracking/internal/config"
	"rehab-tracking/internal/domain"
	"rehab-tracking/internal/eventstore"
	"rehab-tracking/internal/evaluator"
	internal_mqtt "rehab-tracking/internal/mqtt"
	"rehab-tracking/internal/models"
	"rehab-tracking/internal/notifier"
	"rehab-tracking/internal/pipeline"
	"rehab-tracking/internal/projection"
	"rehab-tracking/internal/repository"

	"go.uber.org/zap"
)

// Service 康复追踪核心服务：事件存储、摄取管道、投影与策略评估的装配体
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sql.DB
	redis *common_redis.Client

	store      *eventstore.Store
	dispatcher *projection.Dispatcher
	evaluator  *evaluator.Evaluator
	pipeline   *pipeline.Pipeline
	sensor     *internal_mqtt.SensorBroker
	notifier   *notifier.WebhookNotifier

	sessions  *repository.SessionProjectionRepository
	adherence *repository.AdherenceRepository
	quality   *repository.QualityRepository
	workQueue *repository.WorkQueueRepository
	summaries *repository.SummaryRepository
	processed *repository.ProcessedEventRepository

	workQueueProj *projection.WorkQueueProjection
	summaryProj   *projection.SummaryProjection

	slaStop chan struct{}
}

// summarySource 摘要投影的读模型聚合视图
type summarySource struct {
	adherence *repository.AdherenceRepository
	quality   *repository.QualityRepository
	workQueue *repository.WorkQueueRepository
}

func (s *summarySource) GetAdherence(ctx context.Context, patientID string) (*models.AdherenceRecord, error) {
	return s.adherence.Get(ctx, patientID)
}

func (s *summarySource) GetQuality(ctx context.Context, patientID string) (*models.QualityRecord, error) {
	return s.quality.Get(ctx, patientID)
}

func (s *summarySource) CountActiveAlerts(ctx context.Context, patientID string) (int, error) {
	return s.workQueue.CountActive(ctx, patientID)
}

// NewService 创建并装配服务
func NewService(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	db, err := common_database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := common_redis.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		redis:   redisClient,
		slaStop: make(chan struct{}),
	}

	// 仓库
	events := repository.NewEventRepository(db, logger)
	snapshots := repository.NewSnapshotRepository(db, logger)
	s.sessions = repository.NewSessionProjectionRepository(db, logger)
	s.adherence = repository.NewAdherenceRepository(db, logger)
	s.quality = repository.NewQualityRepository(db, logger)
	s.workQueue = repository.NewWorkQueueRepository(db, logger)
	s.summaries = repository.NewSummaryRepository(db, logger)
	s.processed = repository.NewProcessedEventRepository(db, logger)

	// 事件存储
	s.store = eventstore.NewStore(events, snapshots,
		cfg.EventStore.SnapshotFrequency, cfg.EventStore.AppendRetries, logger)

	// 通知
	s.notifier = notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, logger)
	var workItemNotifier projection.WorkQueueNotifier
	if s.notifier.Enabled() {
		workItemNotifier = s.notifier
	}

	// 投影
	sessionProj := projection.NewSessionProjection(s.sessions, logger)
	adherenceProj := projection.NewAdherenceProjection(s.adherence,
		cfg.Projection.AdherenceTrendDelta, cfg.Projection.DefaultPrescribed, logger)
	qualityProj := projection.NewQualityProjection(s.quality,
		cfg.Projection.PatientTrendDelta, cfg.Projection.ExerciseTrendDelta,
		cfg.Projection.JointAngleDeviation, logger)
	s.workQueueProj = projection.NewWorkQueueProjection(s.workQueue, cfg.SLAHours, workItemNotifier, logger)
	s.summaryProj = projection.NewSummaryProjection(
		&summarySource{adherence: s.adherence, quality: s.quality, workQueue: s.workQueue},
		s.summaries, cfg.Projection.SummaryStaleAfter, logger)

	s.dispatcher = projection.NewDispatcher(s.processed, logger,
		sessionProj, adherenceProj, qualityProj, s.workQueueProj, s.summaryProj)

	// 策略评估
	s.evaluator = evaluator.NewEvaluator(logger,
		evaluator.NewAdherenceRule(s.adherence,
			cfg.Policy.AdherenceNudgeDays, cfg.Policy.AdherenceAlertDays),
		evaluator.NewQualityRule(s.quality,
			cfg.Policy.QualityAlertScore, cfg.Policy.QualityNudgeScore,
			cfg.Projection.QualityDeclineRate, cfg.Projection.DeclineMinSamples),
		evaluator.NewRepFeedbackRule(cfg.Policy.RepFeedbackQuality))

	// 摄取管道
	s.pipeline = pipeline.New(redisClient, s, pipeline.Options{
		RawStream:      cfg.Pipeline.RawStream,
		ConsumerGroup:  cfg.Pipeline.ConsumerGroup,
		ConsumerName:   cfg.Pipeline.ConsumerName,
		ProducerCount:  cfg.Pipeline.ProducerCount,
		ProcessorCount: cfg.Pipeline.ProcessorCount,
		BatcherCount:   cfg.Pipeline.BatcherCount,
		BatchSize:      cfg.Pipeline.BatchSize,
		BatchTimeout:   cfg.Pipeline.BatchTimeout,
		PollInterval:   cfg.Pipeline.PollInterval,
		ReadCount:      cfg.Pipeline.ReadCount,
		ClaimMinIdle:   cfg.Pipeline.ClaimMinIdle,
	}, logger)

	// 传感器接入（可选）
	if cfg.MQTT.Broker != "" {
		mqttClient, err := common_mqtt.NewClient(&cfg.MQTT)
		if err != nil {
			logger.Warn("MQTT broker unavailable, sensor ingress disabled", zap.Error(err))
		} else {
			s.sensor = internal_mqtt.NewSensorBroker(mqttClient, redisClient,
				cfg.Sensor.Topic, cfg.Pipeline.RawStream, logger)
		}
	}

	return s, nil
}

// Start 启动摄取管道、传感器接入与 SLA 巡检
func (s *Service) Start(ctx context.Context) error {
	if err := s.pipeline.Start(ctx); err != nil {
		return err
	}
	if s.sensor != nil {
		if err := s.sensor.Start(); err != nil {
			return err
		}
	}
	go s.runSLASweep()

	s.logger.Info("Rehab tracking service started")
	return nil
}

// Stop 优雅停机：停管道（冲刷在途批次）、传感器与连接
func (s *Service) Stop() {
	close(s.slaStop)
	if s.sensor != nil {
		s.sensor.Stop()
	}
	s.pipeline.Stop()
	s.redis.Close()
	s.db.Close()
	s.logger.Info("Rehab tracking service stopped")
}

// runSLASweep 周期巡检未完成工单，过期项标记为 at_risk
func (s *Service) runSLASweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.slaStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.workQueueProj.RefreshSLA(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("SLA sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// HandleBatch 管道批处理回调：逐条入账 → 投影 → 策略评估
// 返回与输入等长的逐条结果：单条失败不拖累同批其他事件，
// 失败条目不确认，重投递时由 event_id 与处理标记幂等去重
func (s *Service) HandleBatch(ctx context.Context, events []*models.Event) []error {
	results := make([]error, len(events))
	for i, event := range events {
		results[i] = s.handleEvent(ctx, event)
	}
	return results
}

// handleEvent 处理单个事件的完整路径
func (s *Service) handleEvent(ctx context.Context, event *models.Event) error {
	stored := event

	// 外部入流的事件尚无版本号，先写入事件日志
	if event.Version == 0 {
		appended, err := s.store.Append(ctx, event)
		if err != nil {
			if domain.IsValidation(err) {
				// 处理器已做过校验，这里只会拦到语义级非法，丢弃
				s.logger.Warn("Dropping invalid event at append",
					zap.String("subject_id", event.SubjectID),
					zap.String("kind", event.Kind),
					zap.Error(err))
				return nil
			}
			return err
		}
		stored = appended
	}

	if err := s.dispatcher.ApplySingle(ctx, stored); err != nil {
		return err
	}

	// 策略评估按 event_id 去重，重投递不会重复派生
	fresh, err := s.processed.MarkProcessed(ctx, "policy", stored.EventID, stored.SubjectID)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	for _, derived := range s.evaluator.Evaluate(ctx, stored) {
		if err := s.appendAndPublish(ctx, derived); err != nil {
			// 派生事件尽力而为，失败不回滚主事件
			s.logger.Error("Failed to persist derived event",
				zap.String("subject_id", derived.SubjectID),
				zap.String("kind", derived.Kind),
				zap.Error(err))
		}
	}

	return nil
}

// appendAndPublish 写入事件日志并重新发布到原始流（走完整管道路径）
func (s *Service) appendAndPublish(ctx context.Context, event *models.Event) error {
	stored, err := s.store.Append(ctx, event)
	if err != nil {
		return err
	}
	if _, err := common_redis.PublishJSONToStream(ctx, s.redis, s.cfg.Pipeline.RawStream, stored.Envelope()); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Health 健康状态
type Health struct {
	Pipeline   bool  `json:"pipeline"`
	Database   bool  `json:"database"`
	Redis      bool  `json:"redis"`
	PendingLag int64 `json:"pending_lag"`
}

// HealthCheck 探测各依赖
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{Pipeline: s.pipeline.Healthy()}
	h.Database = s.db.PingContext(ctx) == nil
	h.Redis = s.redis.Ping(ctx).Err() == nil
	if lag, err := common_redis.PendingCount(ctx, s.redis,
		s.cfg.Pipeline.RawStream, s.cfg.Pipeline.ConsumerGroup); err == nil {
		h.PendingLag = lag
	}
	return h
}

// Metrics 服务级指标（管道 + 投影计数）
type ServiceMetrics struct {
	Pipeline   pipeline.Metrics   `json:"pipeline"`
	Projection projection.Metrics `json:"projection"`
}

// Metrics 读取指标快照
func (s *Service) Metrics() ServiceMetrics {
	return ServiceMetrics{
		Pipeline:   s.pipeline.Snapshot(),
		Projection: s.dispatcher.Snapshot(),
	}
}
