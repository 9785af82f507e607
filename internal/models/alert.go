package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity 告警级别，LOW < MEDIUM < HIGH < CRITICAL
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank 级别序号，未知级别为 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast 是否不低于 other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// AlertType 告警类型
type AlertType string

const (
	AlertTemperatureHigh        AlertType = "TEMPERATURE_HIGH"
	AlertTemperatureLow         AlertType = "TEMPERATURE_LOW"
	AlertPressureHigh           AlertType = "PRESSURE_HIGH"
	AlertPressureLow            AlertType = "PRESSURE_LOW"
	AlertVibrationAnomaly       AlertType = "VIBRATION_ANOMALY"
	AlertPowerFailure           AlertType = "POWER_FAILURE"
	AlertCommunicationLost      AlertType = "COMMUNICATION_LOST"
	AlertMaintenanceDue         AlertType = "MAINTENANCE_DUE"
	AlertPerformanceDegradation AlertType = "PERFORMANCE_DEGRADATION"
	AlertSecurityBreach         AlertType = "SECURITY_BREACH"
)

// Alert 设备告警
type Alert struct {
	AlertID        string                 `json:"alertId"`
	DeviceID       string                 `json:"deviceId"`
	FactoryID      string                 `json:"factoryId,omitempty"`
	Location       string                 `json:"location,omitempty"`
	AlertType      AlertType              `json:"alertType"`
	Severity       Severity               `json:"severity"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
}

// NewAlert 创建告警，分配 uuid 与时间戳
func NewAlert(r Reading, alertType AlertType, severity Severity, message string, data map[string]interface{}, now time.Time) Alert {
	return Alert{
		AlertID:   uuid.NewString(),
		DeviceID:  r.DeviceID,
		FactoryID: r.FactoryID,
		Location:  r.Location,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Data:      data,
		Timestamp: now,
	}
}
