package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCommand 控制命令不合法
var ErrInvalidCommand = errors.New("invalid control command")

// CommandType 控制命令类型
type CommandType string

const (
	CommandStart           CommandType = "START"
	CommandStop            CommandType = "STOP"
	CommandRestart         CommandType = "RESTART"
	CommandConfigure       CommandType = "CONFIGURE"
	CommandStatusCheck     CommandType = "STATUS_CHECK"
	CommandEmergencyStop   CommandType = "EMERGENCY_STOP"
	CommandMaintenanceMode CommandType = "MAINTENANCE_MODE"
)

var validCommandTypes = map[CommandType]struct{}{
	CommandStart:           {},
	CommandStop:            {},
	CommandRestart:         {},
	CommandConfigure:       {},
	CommandStatusCheck:     {},
	CommandEmergencyStop:   {},
	CommandMaintenanceMode: {},
}

// ControlCommand 下发到设备的控制命令
// DeviceIDs 与 BroadcastToAll 二选一
type ControlCommand struct {
	CommandID      string                 `json:"commandId"`
	CommandType    CommandType            `json:"commandType"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	DeviceIDs      []string               `json:"deviceIds,omitempty"`
	BroadcastToAll bool                   `json:"broadcastToAll,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	FactoryID      string                 `json:"factoryId,omitempty"`
	UserID         string                 `json:"userId,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Priority       *int                   `json:"priority,omitempty"`
	TimeoutSeconds *int                   `json:"timeoutSeconds,omitempty"`
}

// Valid 是否为已知命令类型
func (t CommandType) Valid() bool {
	_, ok := validCommandTypes[t]
	return ok
}

// Validate 校验命令类型与目标模式
func (c ControlCommand) Validate() error {
	if !c.CommandType.Valid() {
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, c.CommandType)
	}
	hasDevices := len(c.DeviceIDs) > 0
	if hasDevices == c.BroadcastToAll {
		return fmt.Errorf("%w: exactly one of deviceIds or broadcastToAll must be set", ErrInvalidCommand)
	}
	return nil
}

// WireMessage 设备侧 MQTT 报文
type WireMessage struct {
	CommandID      string                 `json:"commandId"`
	CommandType    CommandType            `json:"commandType"`
	Payload        map[string]interface{} `json:"payload"`
	Timestamp      time.Time              `json:"timestamp"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Priority       *int                   `json:"priority,omitempty"`
	TimeoutSeconds *int                   `json:"timeoutSeconds,omitempty"`
}

// Wire 转为设备侧报文
func (c ControlCommand) Wire() WireMessage {
	return WireMessage{
		CommandID:      c.CommandID,
		CommandType:    c.CommandType,
		Payload:        c.Payload,
		Timestamp:      c.Timestamp,
		Parameters:     c.Parameters,
		Priority:       c.Priority,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}
