package config

import (
	"os"
	"strconv"
	"time"

	"rehab-tracking/common/config"
)

// Config 康复追踪核心服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 摄取管道配置
	Pipeline struct {
		RawStream     string        // 原始事件流，如 "rehab:events:raw"
		ConsumerGroup string        // 消费者组名称
		ConsumerName  string        // 消费者名称（实例级）
		ProducerCount int           // 生产者数量（冗余拉取），默认 2
		ProcessorCount int          // 处理器数量，默认 10
		BatcherCount  int           // 批处理器数量，默认 2
		BatchSize     int           // 批量阈值，默认 100
		BatchTimeout  time.Duration // 批量超时，默认 1000ms
		PollInterval  time.Duration // 生产者轮询间隔，默认 1s
		ReadCount     int64         // 单次 XREADGROUP 读取条数
		ClaimMinIdle  time.Duration // pending 消息重投递的最小空闲时间
	}

	// 事件存储配置
	EventStore struct {
		SnapshotFrequency int // 快照频率（每 N 个事件），默认 1000
		AppendRetries     int // 版本冲突时的追加重试次数
	}

	// 策略评估配置（阈值均可调，来源为启发式常量）
	Policy struct {
		AdherenceNudgeDays int     // 超过 N 天未训练 → nudge，默认 3
		AdherenceAlertDays int     // 超过 N 天未训练 → alert，默认 7
		QualityAlertScore  float64 // form_score 低于该值 → alert，默认 0.5
		QualityNudgeScore  float64 // form_score 低于该值 → nudge，默认 0.7
		RepFeedbackQuality float64 // rep_quality 低于该值 → 即时反馈，默认 0.6
	}

	// 投影配置
	Projection struct {
		AdherenceTrendDelta float64       // 依从率趋势阈值（百分点），默认 10
		PatientTrendDelta   float64       // 整体质量趋势阈值，默认 0.05
		ExerciseTrendDelta  float64       // 单动作质量趋势阈值，默认 0.1
		QualityDeclineRate  float64       // 质量下滑报警阈值，默认 0.15
		DeclineMinSamples   int           // 下滑报警的最小观测数，默认 5
		JointAngleDeviation float64       // 关节角度偏差标记阈值（度），默认 20
		DefaultPrescribed   int           // 默认处方训练次数（计划未注明时），默认 12
		SummaryStaleAfter   time.Duration // 患者摘要缓存过期时间，默认 6h
		SLAUrgentHours      int           // urgent 工单 SLA，默认 1h
		SLAHighHours        int           // high 工单 SLA，默认 4h
		SLAMediumHours      int           // medium 工单 SLA，默认 24h
		SLALowHours         int           // low 工单 SLA，默认 72h
	}

	// 通知配置（urgent 工单的 Webhook 推送，可选）
	Notifier struct {
		WebhookURL string
	}

	// MQTT 传感器接入（可选，MQTT_BROKER 为空时不启用）
	Sensor struct {
		Topic string // 订阅主题，如 "rehab/sensor/+/observation"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 数据库
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "rehab")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	// Redis
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// MQTT（可选）
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "rehab-core")
	cfg.MQTT.QoS = 1
	cfg.Sensor.Topic = getEnv("SENSOR_TOPIC", "rehab/sensor/+/observation")

	// 摄取管道
	cfg.Pipeline.RawStream = getEnv("PIPELINE_RAW_STREAM", "rehab:events:raw")
	cfg.Pipeline.ConsumerGroup = getEnv("PIPELINE_CONSUMER_GROUP", "rehab-core")
	cfg.Pipeline.ConsumerName = getEnv("PIPELINE_CONSUMER_NAME", "rehab-core-1")
	cfg.Pipeline.ProducerCount = getEnvInt("PIPELINE_PRODUCERS", 2)
	cfg.Pipeline.ProcessorCount = getEnvInt("PIPELINE_PROCESSORS", 10)
	cfg.Pipeline.BatcherCount = getEnvInt("PIPELINE_BATCHERS", 2)
	cfg.Pipeline.BatchSize = getEnvInt("PIPELINE_BATCH_SIZE", 100)
	cfg.Pipeline.BatchTimeout = getEnvDuration("PIPELINE_BATCH_TIMEOUT", 1000*time.Millisecond)
	cfg.Pipeline.PollInterval = getEnvDuration("PIPELINE_POLL_INTERVAL", time.Second)
	cfg.Pipeline.ReadCount = int64(getEnvInt("PIPELINE_READ_COUNT", 32))
	cfg.Pipeline.ClaimMinIdle = getEnvDuration("PIPELINE_CLAIM_MIN_IDLE", 30*time.Second)

	// 事件存储
	cfg.EventStore.SnapshotFrequency = getEnvInt("EVENTSTORE_SNAPSHOT_FREQUENCY", 1000)
	cfg.EventStore.AppendRetries = getEnvInt("EVENTSTORE_APPEND_RETRIES", 3)

	// 策略评估阈值
	cfg.Policy.AdherenceNudgeDays = getEnvInt("POLICY_ADHERENCE_NUDGE_DAYS", 3)
	cfg.Policy.AdherenceAlertDays = getEnvInt("POLICY_ADHERENCE_ALERT_DAYS", 7)
	cfg.Policy.QualityAlertScore = getEnvFloat("POLICY_QUALITY_ALERT_SCORE", 0.5)
	cfg.Policy.QualityNudgeScore = getEnvFloat("POLICY_QUALITY_NUDGE_SCORE", 0.7)
	cfg.Policy.RepFeedbackQuality = getEnvFloat("POLICY_REP_FEEDBACK_QUALITY", 0.6)

	// 投影参数
	cfg.Projection.AdherenceTrendDelta = getEnvFloat("PROJECTION_ADHERENCE_TREND_DELTA", 10)
	cfg.Projection.PatientTrendDelta = getEnvFloat("PROJECTION_PATIENT_TREND_DELTA", 0.05)
	cfg.Projection.ExerciseTrendDelta = getEnvFloat("PROJECTION_EXERCISE_TREND_DELTA", 0.1)
	cfg.Projection.QualityDeclineRate = getEnvFloat("PROJECTION_QUALITY_DECLINE_RATE", 0.15)
	cfg.Projection.DeclineMinSamples = getEnvInt("PROJECTION_DECLINE_MIN_SAMPLES", 5)
	cfg.Projection.JointAngleDeviation = getEnvFloat("PROJECTION_JOINT_ANGLE_DEVIATION", 20)
	cfg.Projection.DefaultPrescribed = getEnvInt("PROJECTION_DEFAULT_PRESCRIBED", 12)
	cfg.Projection.SummaryStaleAfter = getEnvDuration("PROJECTION_SUMMARY_STALE_AFTER", 6*time.Hour)
	cfg.Projection.SLAUrgentHours = getEnvInt("PROJECTION_SLA_URGENT_HOURS", 1)
	cfg.Projection.SLAHighHours = getEnvInt("PROJECTION_SLA_HIGH_HOURS", 4)
	cfg.Projection.SLAMediumHours = getEnvInt("PROJECTION_SLA_MEDIUM_HOURS", 24)
	cfg.Projection.SLALowHours = getEnvInt("PROJECTION_SLA_LOW_HOURS", 72)

	// 通知
	cfg.Notifier.WebhookURL = getEnv("NOTIFIER_WEBHOOK_URL", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// SLAHours 根据优先级返回 SLA 小时数
func (c *Config) SLAHours(priority string) int {
	switch priority {
	case "urgent":
		return c.Projection.SLAUrgentHours
	case "high":
		return c.Projection.SLAHighHours
	case "medium":
		return c.Projection.SLAMediumHours
	default:
		return c.Projection.SLALowHours
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
