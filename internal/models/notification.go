package models

import (
	"time"
)

// NotificationType 通知类型
type NotificationType string

const (
	NotificationEmail     NotificationType = "EMAIL"
	NotificationSMS       NotificationType = "SMS"
	NotificationDashboard NotificationType = "DASHBOARD"
	NotificationPush      NotificationType = "PUSH"
)

// Notification 通知，创建后不可变；投递结果见 NotificationStatus
type Notification struct {
	NotificationID string                 `json:"notificationId"`
	Type           NotificationType       `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Recipients     []string               `json:"recipients"`
	Timestamp      time.Time              `json:"timestamp"`
	AlertID        string                 `json:"alertId,omitempty"`
	DeviceID       string                 `json:"deviceId,omitempty"`
	FactoryID      string                 `json:"factoryId,omitempty"`
	Severity       Severity               `json:"severity,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Channel 投递通道
type Channel string

const (
	ChannelDashboard Channel = "dashboard"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
)

// 投递状态
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// NotificationStatus 单通道投递结果事件
type NotificationStatus struct {
	NotificationID string    `json:"notificationId"`
	Channel        Channel   `json:"channel"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
