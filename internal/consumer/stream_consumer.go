package consumer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	rediscommon "iot-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	ackTimeout     = 5 * time.Second
)

// Handler 单条消息处理函数
type Handler func(ctx context.Context, msg rediscommon.StreamMessage) error

// JSONHandler 将 data 字段解码为 T 后交给 fn
func JSONHandler[T any](fn func(ctx context.Context, key string, v T) error) Handler {
	return func(ctx context.Context, msg rediscommon.StreamMessage) error {
		var v T
		if err := msg.DecodeJSON(&v); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
		}
		return fn(ctx, msg.Key(), v)
	}
}

// Options 消费者参数
type Options struct {
	Group     string
	Name      string
	BatchSize int64
	Block     time.Duration
	Workers   int
}

// StreamConsumer Redis Streams 消费者
// 按分区键哈希分发到固定 worker，同一设备的消息串行且有序，不同设备并行
type StreamConsumer struct {
	client   *redis.Client
	opts     Options
	logger   *zap.Logger
	handlers map[string]Handler
	observer func(stream string, err error)
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(client *redis.Client, opts Options, logger *zap.Logger) *StreamConsumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &StreamConsumer{
		client:   client,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Handle 注册某个流的处理函数，须在 Start 前调用
func (c *StreamConsumer) Handle(stream string, h Handler) {
	c.handlers[stream] = h
}

// SetObserver 每条消息处理完成后回调（用于指标）
func (c *StreamConsumer) SetObserver(fn func(stream string, err error)) {
	c.observer = fn
}

// Start 启动消费者，阻塞直到 ctx 取消
func (c *StreamConsumer) Start(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("stream consumer has no handlers")
	}

	streams := make([]string, 0, len(c.handlers))
	for stream := range c.handlers {
		if err := rediscommon.CreateConsumerGroup(ctx, c.client, stream, c.opts.Group); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
		streams = append(streams, stream)
	}

	c.logger.Info("Stream consumer started",
		zap.Strings("streams", streams),
		zap.String("consumer_group", c.opts.Group),
		zap.String("consumer_name", c.opts.Name),
		zap.Int("workers", c.opts.Workers),
	)

	// 启动 worker
	queues := make([]chan rediscommon.StreamMessage, c.opts.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan rediscommon.StreamMessage, c.opts.BatchSize)
		wg.Add(1)
		go func(q <-chan rediscommon.StreamMessage) {
			defer wg.Done()
			for msg := range q {
				// 停止后剩余消息不处理，留在待确认列表等下次启动
				if ctx.Err() != nil {
					continue
				}
				c.process(ctx, msg)
			}
		}(queues[i])
	}

	c.recoverPending(ctx, streams, queues)
	c.readLoop(ctx, streams, queues)

	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	c.logger.Info("Stream consumer stopped", zap.String("consumer_group", c.opts.Group))
	return nil
}

// recoverPending 先重投本消费者名下未确认的消息（上次异常退出或停止时遗留）
func (c *StreamConsumer) recoverPending(ctx context.Context, streams []string, queues []chan rediscommon.StreamMessage) {
	for _, stream := range streams {
		after := "0"
		recovered := 0
		for ctx.Err() == nil {
			messages, err := rediscommon.ReadPending(ctx, c.client, stream, c.opts.Group, c.opts.Name, after, c.opts.BatchSize)
			if err != nil {
				c.logger.Error("Failed to read pending messages",
					zap.String("stream", stream),
					zap.Error(err),
				)
				break
			}
			if len(messages) == 0 {
				break
			}
			if !c.dispatch(ctx, messages, queues) {
				return
			}
			recovered += len(messages)
			after = messages[len(messages)-1].ID
		}
		if recovered > 0 {
			c.logger.Info("Redelivered pending messages",
				zap.String("stream", stream),
				zap.Int("count", recovered),
			)
		}
	}
}

// dispatch 按分区键投递到 worker 队列；ctx 取消时返回 false
func (c *StreamConsumer) dispatch(ctx context.Context, messages []rediscommon.StreamMessage, queues []chan rediscommon.StreamMessage) bool {
	for _, msg := range messages {
		q := queues[partition(msg, len(queues))]
		select {
		case q <- msg:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *StreamConsumer) readLoop(ctx context.Context, streams []string, queues []chan rediscommon.StreamMessage) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := rediscommon.ReadFromStreams(ctx, c.client, streams, c.opts.Group, c.opts.Name, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to consume streams",
				zap.Strings("streams", streams),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)

			// 指数退避：等待后重试
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		if !c.dispatch(ctx, messages, queues) {
			return
		}
	}
}

func (c *StreamConsumer) process(ctx context.Context, msg rediscommon.StreamMessage) {
	handler := c.handlers[msg.Stream]

	err := handler(ctx, msg)
	if err != nil && ctx.Err() != nil {
		// 处理被停止打断，不确认，下次启动重投
		c.logger.Warn("Message interrupted by shutdown, left pending",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	if err != nil {
		// 继续处理下一条消息，不中断
		c.logger.Error("Failed to process message",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.String("key", msg.Key()),
			zap.Error(err),
		)
	}
	if c.observer != nil {
		c.observer(msg.Stream, err)
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if ackErr := rediscommon.Ack(ackCtx, c.client, msg.Stream, c.opts.Group, msg.ID); ackErr != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(ackErr),
		)
	}
}

// partition 按分区键选择 worker；无键时退回流名
func partition(msg rediscommon.StreamMessage, n int) int {
	key := msg.Key()
	if key == "" {
		key = msg.Stream
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
