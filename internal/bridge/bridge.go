package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqttcommon "iot-telemetry/common/mqtt"
	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMalformedPayload 负载不是 JSON 对象
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMalformedTopic 主题无法提取设备ID
	ErrMalformedTopic = errors.New("malformed topic")
)

const (
	commandQoS      byte = 1
	broadcastTarget      = "all"
	publishTimeout       = 5 * time.Second
)

// Transport MQTT 传输层
type Transport interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	State() mqttcommon.ConnState
}

// Stats 桥接计数
type Stats struct {
	State            string `json:"state"`
	Received         int64  `json:"received"`
	Forwarded        int64  `json:"forwarded"`
	Dropped          int64  `json:"dropped"`
	CommandsSent     int64  `json:"commandsSent"`
	CommandsFailed   int64  `json:"commandsFailed"`
	StatusChanges    int64  `json:"statusChanges"`
	CommandResponses int64  `json:"commandResponses"`
}

// Bridge MQTT 与内部总线之间的协议桥
type Bridge struct {
	cfg       *config.Config
	transport Transport
	publisher bus.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	received         atomic.Int64
	forwarded        atomic.Int64
	dropped          atomic.Int64
	commandsSent     atomic.Int64
	commandsFailed   atomic.Int64
	statusChanges    atomic.Int64
	commandResponses atomic.Int64
}

// New 创建协议桥
func New(cfg *config.Config, transport Transport, publisher bus.Publisher, m *metrics.Metrics, logger *zap.Logger) *Bridge {
	return &Bridge{
		cfg:       cfg,
		transport: transport,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Start 订阅设备主题
func (b *Bridge) Start(ctx context.Context) error {
	qos := b.cfg.MQTT.QoS
	subs := []struct {
		topic   string
		handler mqttcommon.MessageHandler
	}{
		{b.cfg.Bridge.Topics.Data, b.HandleData},
		{b.cfg.Bridge.Topics.Status, b.HandleStatus},
		{b.cfg.Bridge.Topics.Control, b.HandleControlResponse},
	}
	for _, s := range subs {
		if err := b.transport.Subscribe(s.topic, qos, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	b.logger.Info("Protocol bridge started",
		zap.String("data_topic", b.cfg.Bridge.Topics.Data),
		zap.String("status_topic", b.cfg.Bridge.Topics.Status),
		zap.String("control_topic", b.cfg.Bridge.Topics.Control),
	)
	return nil
}

// Stop 取消订阅
func (b *Bridge) Stop(ctx context.Context) error {
	err := b.transport.Unsubscribe(
		b.cfg.Bridge.Topics.Data,
		b.cfg.Bridge.Topics.Status,
		b.cfg.Bridge.Topics.Control,
	)
	if err != nil {
		b.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	b.logger.Info("Protocol bridge stopped")
	return nil
}

// HandleData 处理 devices/{id}/data 遥测消息
func (b *Bridge) HandleData(topic string, payload []byte) error {
	b.received.Add(1)
	b.metrics.MessagesReceived.WithLabelValues("data").Inc()

	deviceID, doc, err := b.decode(topic, payload)
	if err != nil {
		return err
	}

	reading := parseReading(deviceID, doc, b.now())

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(ctx, b.cfg.Streams.RawReadings, deviceID, reading); err != nil {
		return fmt.Errorf("failed to forward reading from %s: %w", deviceID, err)
	}
	// 镜像通道仅用于审计，失败不影响主链路
	if err := b.publisher.Publish(ctx, b.cfg.Streams.BridgeMirror, deviceID, reading); err != nil {
		b.logger.Warn("Failed to publish mirror copy",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	b.forwarded.Add(1)
	b.logger.Debug("Reading forwarded",
		zap.String("device_id", deviceID),
		zap.Int("fields", len(reading.Data)),
	)
	return nil
}

// HandleStatus 处理 devices/{id}/status 状态消息
func (b *Bridge) HandleStatus(topic string, payload []byte) error {
	b.received.Add(1)
	b.metrics.MessagesReceived.WithLabelValues("status").Inc()

	deviceID, doc, err := b.decode(topic, payload)
	if err != nil {
		return err
	}

	status, _ := doc["status"].(string)
	event := models.DeviceStatusChange{
		DeviceID:  deviceID,
		NewStatus: strings.ToUpper(status),
		Status:    doc,
		Timestamp: b.now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, b.cfg.Streams.StatusChanges, deviceID, event); err != nil {
		return fmt.Errorf("failed to forward status from %s: %w", deviceID, err)
	}
	b.statusChanges.Add(1)
	return nil
}

// HandleControlResponse 处理设备对控制命令的应答
// 控制主题上也会收到本服务下发的命令回显，带 commandType 的视为回显忽略
func (b *Bridge) HandleControlResponse(topic string, payload []byte) error {
	b.received.Add(1)
	b.metrics.MessagesReceived.WithLabelValues("control").Inc()

	deviceID, doc, err := b.decode(topic, payload)
	if err != nil {
		return err
	}
	if _, isCommand := doc["commandType"]; isCommand {
		return nil
	}

	resp := models.CommandResponse{
		DeviceID:  deviceID,
		Response:  doc,
		Timestamp: b.now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, b.cfg.Streams.CommandResponses, deviceID, resp); err != nil {
		return fmt.Errorf("failed to forward command response from %s: %w", deviceID, err)
	}
	b.commandResponses.Add(1)
	return nil
}

// SendCommand 向单个设备下发命令
func (b *Bridge) SendCommand(ctx context.Context, deviceID string, cmd models.ControlCommand) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", models.ErrInvalidCommand)
	}
	return b.publishCommand(ctx, deviceID, "device", cmd)
}

// BroadcastCommand 向全部设备广播命令
func (b *Bridge) BroadcastCommand(ctx context.Context, cmd models.ControlCommand) error {
	return b.publishCommand(ctx, broadcastTarget, "broadcast", cmd)
}

// Dispatch 按命令目标模式下发，返回首个失败
// 逐设备下发时单个失败不影响其余设备
func (b *Bridge) Dispatch(ctx context.Context, cmd models.ControlCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cmd = b.stamp(cmd)

	if cmd.BroadcastToAll {
		return b.BroadcastCommand(ctx, cmd)
	}

	var firstErr error
	for _, id := range cmd.DeviceIDs {
		if err := b.SendCommand(ctx, id, cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats 返回计数快照
func (b *Bridge) Stats() Stats {
	return Stats{
		State:            b.transport.State().String(),
		Received:         b.received.Load(),
		Forwarded:        b.forwarded.Load(),
		Dropped:          b.dropped.Load(),
		CommandsSent:     b.commandsSent.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatusChanges:    b.statusChanges.Load(),
		CommandResponses: b.commandResponses.Load(),
	}
}

// Ready 传输层是否已连接
func (b *Bridge) Ready() bool {
	return b.transport.State() == mqttcommon.Connected
}

func (b *Bridge) publishCommand(ctx context.Context, target, mode string, cmd models.ControlCommand) error {
	if !cmd.CommandType.Valid() {
		return fmt.Errorf("%w: unknown command type %q", models.ErrInvalidCommand, cmd.CommandType)
	}
	cmd = b.stamp(cmd)

	body, err := json.Marshal(cmd.Wire())
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := fmt.Sprintf("devices/%s/control", target)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.transport.Publish(topic, commandQoS, false, body); err != nil {
		b.commandsFailed.Add(1)
		b.metrics.CommandsSent.WithLabelValues(mode, "error").Inc()
		b.logger.Error("Failed to send command",
			zap.String("topic", topic),
			zap.String("command_id", cmd.CommandID),
			zap.String("command_type", string(cmd.CommandType)),
			zap.Error(err),
		)
		return err
	}

	b.commandsSent.Add(1)
	b.metrics.CommandsSent.WithLabelValues(mode, "ok").Inc()
	b.logger.Info("Command sent",
		zap.String("topic", topic),
		zap.String("command_id", cmd.CommandID),
		zap.String("command_type", string(cmd.CommandType)),
	)
	return nil
}

func (b *Bridge) stamp(cmd models.ControlCommand) models.ControlCommand {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = b.now()
	}
	return cmd
}

// decode 提取设备ID并解析 JSON 对象负载；失败的消息丢弃不重试
func (b *Bridge) decode(topic string, payload []byte) (string, map[string]interface{}, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		b.drop("topic")
		b.logger.Warn("Dropping message with malformed topic", zap.String("topic", topic))
		return "", nil, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	deviceID := parts[1]

	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		b.drop("payload")
		b.logger.Warn("Dropping message with malformed payload",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
		)
		return "", nil, fmt.Errorf("%w: topic %s", ErrMalformedPayload, topic)
	}
	return deviceID, doc, nil
}

func (b *Bridge) drop(reason string) {
	b.dropped.Add(1)
	b.metrics.MessagesDropped.WithLabelValues(reason).Inc()
}

// parseReading 构建读数
// 带 data 对象的信封格式提取元数据，否则整个文档即测量值
func parseReading(deviceID string, doc map[string]interface{}, now time.Time) models.Reading {
	reading := models.Reading{
		DeviceID:  deviceID,
		Timestamp: now,
	}

	inner, isEnvelope := doc["data"].(map[string]interface{})
	if !isEnvelope {
		reading.Data = doc
		return reading
	}

	reading.Data = inner
	reading.FactoryID, _ = doc["factoryId"].(string)
	reading.Location, _ = doc["location"].(string)
	reading.MessageType, _ = doc["messageType"].(string)
	if v, ok := models.ToFloat(doc["batteryLevel"]); ok {
		reading.BatteryLevel = models.Float64Ptr(v)
	}
	if v, ok := models.ToFloat(doc["signalStrength"]); ok {
		reading.SignalStrength = models.Float64Ptr(v)
	}
	return reading
}
