package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDispatch 至少一个通道投递失败
var ErrDispatch = errors.New("notification dispatch failed")

// 实时推送消息类型
const (
	PushNotification = "notification"
	PushAlert        = "alert"
	PushDeviceStatus = "device_status"
)

// Broadcaster 实时连接广播
type Broadcaster interface {
	Broadcast(msgType string, data interface{}) int
	Count() int
}

// ChannelStats 单通道计数
type ChannelStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats 通知中心统计
type Stats struct {
	Alerts          int64                           `json:"alerts"`
	StatusChanges   int64                           `json:"statusChanges"`
	Custom          int64                           `json:"custom"`
	Channels        map[models.Channel]ChannelStats `json:"channels"`
	LiveConnections int                             `json:"liveConnections"`
}

// Dispatcher 告警分发与通知中心
type Dispatcher struct {
	hub          Broadcaster
	email        EmailSender
	sms          SMSSender
	recipients   RecipientResolver
	publisher    bus.Publisher
	statusStream string
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewDispatcher 创建分发器
func NewDispatcher(
	hub Broadcaster,
	email EmailSender,
	sms SMSSender,
	recipients RecipientResolver,
	publisher bus.Publisher,
	statusStream string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		hub:          hub,
		email:        email,
		sms:          sms,
		recipients:   recipients,
		publisher:    publisher,
		statusStream: statusStream,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
		stats:        Stats{Channels: map[models.Channel]ChannelStats{}},
	}
}

// HandleAlert 处理一条告警
// 1. 推送原始告警
// 2. 构建仪表盘通知并按级别投递
func (d *Dispatcher) HandleAlert(ctx context.Context, alert models.Alert) (models.Notification, error) {
	d.count(func(s *Stats) { s.Alerts++ })
	d.hub.Broadcast(PushAlert, alert)

	recipients, err := d.recipients.Resolve(ctx, alert.DeviceID, alert.FactoryID)
	if err != nil {
		d.logger.Warn("Failed to resolve recipients", zap.String("device_id", alert.DeviceID), zap.Error(err))
	}

	n := models.Notification{
		NotificationID: uuid.NewString(),
		Type:           models.NotificationDashboard,
		Title:          "Device Alert: " + string(alert.AlertType),
		Message:        alert.Message,
		Recipients:     recipients,
		Timestamp:      d.now(),
		AlertID:        alert.AlertID,
		DeviceID:       alert.DeviceID,
		FactoryID:      alert.FactoryID,
		Severity:       alert.Severity,
		Metadata: map[string]interface{}{
			"alertType": alert.AlertType,
			"severity":  alert.Severity,
			"data":      alert.Data,
		},
	}
	return n, d.Dispatch(ctx, n, alert.Severity)
}

// HandleStatusChange 处理设备状态变化
// 始终推送 device_status；OFFLINE/ERROR 额外生成 HIGH 通知
func (d *Dispatcher) HandleStatusChange(ctx context.Context, ev models.DeviceStatusChange) error {
	d.count(func(s *Stats) { s.StatusChanges++ })
	d.hub.Broadcast(PushDeviceStatus, map[string]interface{}{
		"deviceId":  ev.DeviceID,
		"status":    ev.NewStatus,
		"timestamp": ev.Timestamp,
	})

	if ev.NewStatus != models.DeviceStatusOffline && ev.NewStatus != models.DeviceStatusError {
		return nil
	}

	recipients, err := d.recipients.Resolve(ctx, ev.DeviceID, "")
	if err != nil {
		d.logger.Warn("Failed to resolve recipients", zap.String("device_id", ev.DeviceID), zap.Error(err))
	}

	n := models.Notification{
		NotificationID: uuid.NewString(),
		Type:           models.NotificationDashboard,
		Title:          "Device Status Change",
		Message:        fmt.Sprintf("Device %s status changed to %s", ev.DeviceID, ev.NewStatus),
		Recipients:     recipients,
		Timestamp:      d.now(),
		DeviceID:       ev.DeviceID,
		Severity:       models.SeverityHigh,
		Metadata: map[string]interface{}{
			"status": ev.NewStatus,
		},
	}
	return d.Dispatch(ctx, n, models.SeverityHigh)
}

// SendCustom 外部提交的通知，按 MEDIUM 投递
// 未指定 ID、时间、接收人时补全
func (d *Dispatcher) SendCustom(ctx context.Context, n models.Notification) (models.Notification, error) {
	d.count(func(s *Stats) { s.Custom++ })

	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now()
	}
	if n.Type == "" {
		n.Type = models.NotificationDashboard
	}
	if len(n.Recipients) == 0 {
		recipients, err := d.recipients.Resolve(ctx, n.DeviceID, n.FactoryID)
		if err != nil {
			d.logger.Warn("Failed to resolve recipients", zap.Error(err))
		}
		n.Recipients = recipients
	}
	n.Severity = models.SeverityMedium

	return n, d.Dispatch(ctx, n, models.SeverityMedium)
}

// Dispatch 按级别选择通道投递
// 每个通道独立尝试并发布投递状态，某通道失败不影响其它通道
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification, severity models.Severity) error {
	var errs []error
	for _, ch := range ChannelsFor(severity).List() {
		err := d.deliver(ctx, ch, n)
		d.recordAttempt(ctx, n, ch, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: notification %s: %w", ErrDispatch, n.NotificationID, errors.Join(errs...))
	}
	return nil
}

// Stats 统计快照
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.Channels = make(map[models.Channel]ChannelStats, len(d.stats.Channels))
	for k, v := range d.stats.Channels {
		out.Channels[k] = v
	}
	out.LiveConnections = d.hub.Count()
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, ch models.Channel, n models.Notification) error {
	switch ch {
	case models.ChannelDashboard:
		d.hub.Broadcast(PushNotification, n)
		return nil
	case models.ChannelEmail:
		return d.email.Send(ctx, n)
	case models.ChannelSMS:
		if len(n.Recipients) == 0 {
			return errors.New("no sms recipients")
		}
		// 短信只发正文，标题只用于邮件与仪表盘
		var errs []error
		for _, to := range n.Recipients {
			if err := d.sms.Send(ctx, to, n.Message); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", to, err))
			}
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown channel %q", ch)
	}
}

func (d *Dispatcher) recordAttempt(ctx context.Context, n models.Notification, ch models.Channel, err error) {
	status := models.NotificationStatus{
		NotificationID: n.NotificationID,
		Channel:        ch,
		Status:         models.StatusSent,
		Timestamp:      d.now(),
	}
	if err != nil {
		status.Status = models.StatusFailed
		status.Error = err.Error()
		d.logger.Error("Notification delivery failed",
			zap.String("notification_id", n.NotificationID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
	}

	d.count(func(s *Stats) {
		cs := s.Channels[ch]
		if err != nil {
			cs.Failed++
		} else {
			cs.Sent++
		}
		s.Channels[ch] = cs
	})
	d.metrics.NotificationAttempts.WithLabelValues(string(ch), status.Status).Inc()

	key := n.DeviceID
	if key == "" {
		key = n.NotificationID
	}
	if perr := d.publisher.Publish(ctx, d.statusStream, key, status); perr != nil {
		d.logger.Warn("Failed to publish notification status",
			zap.String("notification_id", n.NotificationID),
			zap.Error(perr),
		)
	}
}

func (d *Dispatcher) count(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
