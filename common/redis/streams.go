package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream 发布消息到 Redis Streams
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}) (string, error) {
	// 将 values 转换为 Redis Streams 格式（全部字符串化）
	streamValues := make(map[string]interface{})
	for k, v := range values {
		var strValue string
		switch val := v.(type) {
		case string:
			strValue = val
		case []byte:
			strValue = string(val)
		case int:
			strValue = fmt.Sprintf("%d", val)
		case int32:
			strValue = fmt.Sprintf("%d", val)
		case int64:
			strValue = fmt.Sprintf("%d", val)
		case float32:
			strValue = fmt.Sprintf("%f", val)
		case float64:
			strValue = fmt.Sprintf("%f", val)
		case bool:
			if val {
				strValue = "true"
			} else {
				strValue = "false"
			}
		default:
			// 尝试 JSON 序列化
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			strValue = string(jsonBytes)
		}
		streamValues[k] = strValue
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}).Result()

	return id, err
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	})
}

// ReadFromStream 从 Redis Streams 读取消息（消费者组模式）
func ReadFromStream(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, StreamMessage{
				Stream: stream.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}

	return messages, nil
}

// AckMessage 确认消息（处理成功后调用，未确认的消息会被重新投递）
func AckMessage(ctx context.Context, client *redis.Client, stream, consumerGroup, messageID string) error {
	return client.XAck(ctx, stream, consumerGroup, messageID).Err()
}

// ClaimStale 认领滞留的 pending 消息（至少一次投递的重投递路径）
// minIdle: 消息空闲多久之后才允许被认领
func ClaimStale(ctx context.Context, client *redis.Client, stream, consumerGroup, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range msgs {
		messages = append(messages, StreamMessage{
			Stream: stream,
			ID:     msg.ID,
			Values: msg.Values,
		})
	}

	return messages, nil
}

// CreateConsumerGroup 创建消费者组
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	// 尝试创建消费者组，如果已存在则忽略错误
	err := client.XGroupCreate(ctx, stream, groupName, "0").Err()

	// "BUSYGROUP" 说明组已存在，这是正常的
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		if err.Error() == "NOGROUP" || err.Error() == "no such key" {
			// Stream 不存在，先通过一条临时消息创建 stream
			msgID, createErr := client.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: map[string]interface{}{"init": "true"},
			}).Result()
			if createErr != nil {
				return fmt.Errorf("failed to create stream: %w", createErr)
			}
			client.XDel(ctx, stream, msgID)
			err = client.XGroupCreate(ctx, stream, groupName, "0").Err()
			if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
				return err
			}
		} else {
			return err
		}
	}

	return nil
}

// PendingCount 查询消费者组的 pending 数量（用于积压/滞后指标）
func PendingCount(ctx context.Context, client *redis.Client, stream, consumerGroup string) (int64, error) {
	info, err := client.XPending(ctx, stream, consumerGroup).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return info.Count, nil
}
