package models

import (
	"encoding/json"
	"time"
)

// UnknownTag 缺省标签值
const UnknownTag = "unknown"

// Reading 单条设备遥测读数，构造后不再修改
type Reading struct {
	DeviceID       string                 `json:"deviceId"`
	Timestamp      time.Time              `json:"timestamp"`
	FactoryID      string                 `json:"factoryId,omitempty"`
	Location       string                 `json:"location,omitempty"`
	Data           map[string]interface{} `json:"data"`
	BatteryLevel   *float64               `json:"batteryLevel,omitempty"`
	SignalStrength *float64               `json:"signalStrength,omitempty"`
	MessageType    string                 `json:"messageType,omitempty"`
}

// FactoryOrUnknown 工厂ID，缺省为 "unknown"
func (r Reading) FactoryOrUnknown() string {
	if r.FactoryID == "" {
		return UnknownTag
	}
	return r.FactoryID
}

// LocationOrUnknown 位置，缺省为 "unknown"
func (r Reading) LocationOrUnknown() string {
	if r.Location == "" {
		return UnknownTag
	}
	return r.Location
}

// Numeric 读取数值型测量值
func (r Reading) Numeric(key string) (float64, bool) {
	v, ok := r.Data[key]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat 将 JSON 解码或程序构造的数值统一转为 float64
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Float64Ptr 辅助构造可选数值字段
func Float64Ptr(v float64) *float64 {
	return &v
}
