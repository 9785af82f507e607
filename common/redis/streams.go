package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// 流消息字段
const (
	FieldData      = "data"
	FieldKey       = "key"
	FieldTimestamp = "timestamp"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// Key 返回消息的分区键（设备ID），没有则为空串
func (m StreamMessage) Key() string {
	if v, ok := m.Values[FieldKey].(string); ok {
		return v
	}
	return ""
}

// DecodeJSON 将 data 字段反序列化到 out
func (m StreamMessage) DecodeJSON(out interface{}) error {
	raw, ok := m.Values[FieldData].(string)
	if !ok {
		return fmt.Errorf("stream message %s has no %q field", m.ID, FieldData)
	}
	return json.Unmarshal([]byte(raw), out)
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
// key 作为分区键随消息写入，消费端据此保证同一设备的处理顺序
// maxLen > 0 时按近似长度裁剪流
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream, key string, data interface{}, maxLen int64) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			FieldData:      string(jsonBytes),
			FieldKey:       key,
			FieldTimestamp: time.Now().Unix(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	return client.XAdd(ctx, args).Result()
}

// ReadFromStreams 以消费者组方式从多个流读取新消息
func ReadFromStreams(ctx context.Context, client *redis.Client, streams []string, consumerGroup, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	// XREADGROUP 参数形如 [s1 s2 > >]
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	return readGroup(ctx, client, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	})
}

// ReadPending 读取本消费者已投递未确认的消息，ID 大于 afterID（首次传 "0"）
// 不阻塞；返回空表示待确认列表已读完
func ReadPending(ctx context.Context, client *redis.Client, stream, consumerGroup, consumer, afterID string, count int64) ([]StreamMessage, error) {
	return readGroup(ctx, client, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, afterID},
		Count:    count,
		Block:    -1,
	})
}

func readGroup(ctx context.Context, client *redis.Client, args *redis.XReadGroupArgs) ([]StreamMessage, error) {
	result, err := client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range result {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// Ack 确认消息已处理
func Ack(ctx context.Context, client *redis.Client, stream, consumerGroup string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return client.XAck(ctx, stream, consumerGroup, ids...).Err()
}

// CreateConsumerGroup 创建消费者组，流不存在时一并创建；组已存在视为成功
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
