package bus

import (
	"context"
	"fmt"
	"sync"

	rediscommon "iot-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
)

// Publisher 内部总线发布接口
// key 为分区键（设备ID），同一 key 的消息在消费端按序处理
type Publisher interface {
	Publish(ctx context.Context, channel, key string, v interface{}) error
}

// StreamPublisher 基于 Redis Streams 的发布者
type StreamPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewStreamPublisher 创建发布者
func NewStreamPublisher(client *redis.Client, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, maxLen: maxLen}
}

// Publish 将 v 序列化为 JSON 写入 channel 对应的流
func (p *StreamPublisher) Publish(ctx context.Context, channel, key string, v interface{}) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, channel, key, v, p.maxLen); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Recorded 内存发布记录
type Recorded struct {
	Channel string
	Key     string
	Value   interface{}
}

// MemoryPublisher 内存发布者，供测试与单机调试使用
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Recorded
	// Err 非空时 Publish 返回该错误
	Err error
	// FailOn 按通道注入错误
	FailOn map[string]error
}

// Publish 记录消息
func (p *MemoryPublisher) Publish(_ context.Context, channel, key string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if err := p.FailOn[channel]; err != nil {
		return err
	}
	p.messages = append(p.messages, Recorded{Channel: channel, Key: key, Value: v})
	return nil
}

// Messages 返回所有记录的副本
func (p *MemoryPublisher) Messages() []Recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Recorded, len(p.messages))
	copy(out, p.messages)
	return out
}

// On 返回某通道上的记录
func (p *MemoryPublisher) On(channel string) []Recorded {
	var out []Recorded
	for _, m := range p.Messages() {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}
