package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iot-telemetry/common/config"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrTransportUnavailable 连接不可用或确认超时，出站消息不排队直接失败
var ErrTransportUnavailable = errors.New("mqtt transport unavailable")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	subscribeTimeout      = 5 * time.Second
)

// ConnState 连接状态
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 状态机: Disconnected -> Connecting -> Connected，由 paho 回调驱动；
// 重连成功后自动恢复全部订阅
type Client struct {
	client paho.Client
	config *config.MQTTConfig
	logger *zap.Logger

	state atomic.Int32

	mu            sync.RWMutex
	subs          map[string]subscription
	stateListener func(ConnState)
}

// NewClient 创建并连接MQTT客户端
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := newClient(nil, cfg, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = paho.NewClient(opts)

	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(client paho.Client, cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	return &Client{
		client: client,
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}
}

// Connect 建立连接，超时视为传输不可用
func (c *Client) Connect() error {
	c.setState(Connecting)

	token := c.client.Connect()
	if !token.WaitTimeout(c.connectTimeout()) {
		c.setState(Disconnected)
		return fmt.Errorf("%w: connect to %s timed out", ErrTransportUnavailable, c.config.Broker)
	}
	if err := token.Error(); err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// State 当前连接状态
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// SetStateListener 注册状态变化回调（用于指标）
func (c *Client) SetStateListener(fn func(ConnState)) {
	c.mu.Lock()
	c.stateListener = fn
	c.mu.Unlock()
	if fn != nil {
		fn(c.State())
	}
}

// Subscribe 订阅主题；订阅会被记录，重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		// 连接建立后在 onConnect 中订阅
		return nil
	}
	return c.subscribe(topic, subscription{qos: qos, handler: handler})
}

func (c *Client) subscribe(topic string, sub subscription) error {
	token := c.client.Subscribe(topic, sub.qos, func(_ paho.Client, msg paho.Message) {
		if err := sub.handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("%w: subscribe to %s timed out", ErrTransportUnavailable, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息
// 未连接时立即失败；等待确认不超过 PublishTimeout
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: state=%s", ErrTransportUnavailable, c.State())
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.publishTimeout()) {
		return fmt.Errorf("%w: publish to %s timed out", ErrTransportUnavailable, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrTransportUnavailable, topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("%w: unsubscribe timed out", ErrTransportUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
	c.setState(Disconnected)
}

func (c *Client) onConnect(_ paho.Client) {
	c.setState(Connected)
	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker))

	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.RUnlock()

	for topic, sub := range subs {
		if err := c.subscribe(topic, sub); err != nil {
			c.logger.Error("Failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.setState(Disconnected)
	c.logger.Warn("MQTT connection lost", zap.Error(err))
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.setState(Connecting)
	c.logger.Info("MQTT reconnecting", zap.String("broker", c.config.Broker))
}

func (c *Client) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.mu.RLock()
	fn := c.stateListener
	c.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) connectTimeout() time.Duration {
	if c.config.ConnectTimeout > 0 {
		return c.config.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c *Client) publishTimeout() time.Duration {
	if c.config.PublishTimeout > 0 {
		return c.config.PublishTimeout
	}
	return defaultPublishTimeout
}
