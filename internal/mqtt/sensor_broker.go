package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	common_mqtt "rehab-tracking/common/mqtt"
	common_redis "rehab-tracking/common/redis"
	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// SensorBroker 传感器接入：订阅动作捕捉设备的 MQTT 上报，
// 封装为摄取信封后发布到原始事件流
//
// 主题约定：rehab/sensor/{patient_id}/observation，
// 载荷为 RepObservationBody 的 JSON
type SensorBroker struct {
	client *common_mqtt.Client
	redis  *common_redis.Client
	topic  string
	stream string
	logger *zap.Logger
}

// NewSensorBroker 创建传感器接入
func NewSensorBroker(client *common_mqtt.Client, redisClient *common_redis.Client, topic, stream string, logger *zap.Logger) *SensorBroker {
	return &SensorBroker{
		client: client,
		redis:  redisClient,
		topic:  topic,
		stream: stream,
		logger: logger,
	}
}

// Start 订阅传感器主题
func (b *SensorBroker) Start() error {
	if err := b.client.Subscribe(b.topic, 1, b.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe sensor topic: %w", err)
	}
	b.logger.Info("Sensor broker started", zap.String("topic", b.topic))
	return nil
}

// Stop 断开 MQTT 连接
func (b *SensorBroker) Stop() {
	b.client.Disconnect()
	b.logger.Info("Sensor broker stopped")
}

// handleMessage 处理一条传感器上报
// 载荷非法时丢弃并记日志（设备侧无重试语义）
func (b *SensorBroker) handleMessage(topic string, payload []byte) error {
	patientID, err := patientFromTopic(topic)
	if err != nil {
		b.logger.Warn("Dropping sensor message with bad topic",
			zap.String("topic", topic),
			zap.Error(err))
		return nil
	}

	var body models.RepObservationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		b.logger.Warn("Dropping malformed sensor payload",
			zap.String("topic", topic),
			zap.Error(err))
		return nil
	}
	if err := body.Validate(); err != nil {
		b.logger.Warn("Dropping invalid sensor observation",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return nil
	}

	raw, err := json.Marshal(&body)
	if err != nil {
		return err
	}

	envelope := &models.RawEnvelope{
		Kind:      models.KindRepObservation,
		SubjectID: patientID,
		Body:      raw,
		Meta: map[string]interface{}{
			"phi_flag": true,
			"source":   "mqtt_sensor",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := common_redis.PublishJSONToStream(ctx, b.redis, b.stream, envelope); err != nil {
		b.logger.Error("Failed to publish sensor observation",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return err
	}

	b.logger.Debug("Sensor observation ingested",
		zap.String("patient_id", patientID),
		zap.String("exercise_id", body.ExerciseID))
	return nil
}

// patientFromTopic 从主题提取患者 ID（rehab/sensor/{patient_id}/observation）
func patientFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[2] == "" {
		return "", fmt.Errorf("unexpected topic format: %s", topic)
	}
	return parts[2], nil
}
