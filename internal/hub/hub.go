package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"iot-telemetry/internal/metrics"

	"go.uber.org/zap"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = errors.New("connection closed")

// Conn 一个实时连接
type Conn interface {
	ID() string
	Send(msg []byte) error
	Open() bool
	Close() error
}

// Envelope 推送给客户端的消息
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Subscription 客户端订阅偏好，仅保存并回显
type Subscription struct {
	SubscriptionType string `json:"subscriptionType,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	FactoryID        string `json:"factoryId,omitempty"`
}

type entry struct {
	conn Conn
	sub  *Subscription
}

// Hub 实时连接注册表
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewHub 创建注册表
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]*entry),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Register 登记连接并发送欢迎消息
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = &entry{conn: c}
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.LiveConnections.Set(float64(n))
	h.logger.Info("Live connection established", zap.String("session_id", c.ID()), zap.Int("connections", n))

	h.sendTo(c, map[string]interface{}{
		"type":      "connection",
		"message":   "Connected to notification service",
		"sessionId": c.ID(),
	})
}

// Unregister 移除连接
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		h.metrics.LiveConnections.Set(float64(n))
		h.logger.Info("Live connection closed", zap.String("session_id", id), zap.Int("connections", n))
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscription 某连接的订阅偏好
func (h *Hub) Subscription(id string) (Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.conns[id]
	if !ok || e.sub == nil {
		return Subscription{}, false
	}
	return *e.sub, true
}

// Broadcast 推送给全部连接，返回成功投递数
// 遍历快照；已关闭或发送失败的连接被移除，其余连接继续投递
func (h *Hub) Broadcast(msgType string, data interface{}) int {
	msg, err := json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.String("type", msgType), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	snapshot := make([]Conn, 0, len(h.conns))
	for _, e := range h.conns {
		snapshot = append(snapshot, e.conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range snapshot {
		if !c.Open() {
			h.Unregister(c.ID())
			continue
		}
		if err := c.Send(msg); err != nil {
			h.logger.Warn("Failed to deliver to live connection",
				zap.String("session_id", c.ID()),
				zap.Error(err),
			)
			h.Unregister(c.ID())
			_ = c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// HandleClientMessage 处理客户端消息
func (h *Hub) HandleClientMessage(c Conn, raw []byte) {
	var msg struct {
		Type string `json:"type"`
		Subscription
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendTo(c, map[string]interface{}{"type": "error", "message": "Invalid message format"})
		return
	}

	switch msg.Type {
	case "subscribe":
		sub := msg.Subscription
		h.setSubscription(c.ID(), &sub)
		h.sendTo(c, map[string]interface{}{
			"type":             "subscription_confirmed",
			"subscriptionType": sub.SubscriptionType,
			"deviceId":         sub.DeviceID,
			"factoryId":        sub.FactoryID,
		})
	case "unsubscribe":
		h.setSubscription(c.ID(), nil)
		h.sendTo(c, map[string]interface{}{
			"type":    "unsubscription_confirmed",
			"message": "Unsubscribed from notifications",
		})
	case "ping":
		h.sendTo(c, map[string]interface{}{"type": "pong", "timestamp": h.now().UnixMilli()})
	default:
		h.sendTo(c, map[string]interface{}{"type": "error", "message": "Unknown message type: " + msg.Type})
	}
}

func (h *Hub) setSubscription(id string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.conns[id]; ok {
		e.sub = sub
	}
}

func (h *Hub) sendTo(c Conn, v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if err := c.Send(msg); err != nil {
		h.logger.Debug("Failed to reply to live connection", zap.String("session_id", c.ID()), zap.Error(err))
	}
}
