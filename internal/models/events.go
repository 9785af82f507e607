package models

import (
	"time"
)

// AnomalyThresholdExceeded 阈值预检事件类型
const AnomalyThresholdExceeded = "THRESHOLD_EXCEEDED"

// RawAnomaly 阈值预检命中事件
type RawAnomaly struct {
	DeviceID    string                 `json:"deviceId"`
	Timestamp   time.Time              `json:"timestamp"`
	AnomalyType string                 `json:"anomalyType"`
	Details     string                 `json:"details"`
	Data        map[string]interface{} `json:"data"`
	FactoryID   string                 `json:"factoryId"`
}

// DeviceStatus 设备状态
const (
	DeviceStatusOnline  = "ONLINE"
	DeviceStatusOffline = "OFFLINE"
	DeviceStatusError   = "ERROR"
)

// DeviceStatusChange 设备状态变化事件
type DeviceStatusChange struct {
	DeviceID  string                 `json:"deviceId"`
	NewStatus string                 `json:"newStatus"`
	Status    map[string]interface{} `json:"status,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CommandResponse 设备对控制命令的应答
type CommandResponse struct {
	DeviceID  string                 `json:"deviceId"`
	Response  map[string]interface{} `json:"response"`
	Timestamp time.Time              `json:"timestamp"`
}
