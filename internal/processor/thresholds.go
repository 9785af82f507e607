package processor

import (
	"fmt"
	"strings"

	"iot-telemetry/internal/models"
)

// 阈值预检边界
const (
	TemperatureMin = -10.0
	TemperatureMax = 80.0
	PressureMin    = 0.1
	PressureMax    = 10.0
	VibrationMax   = 5.0
	BatteryMin     = 20.0
	SignalMin      = -80.0
)

// CheckThresholds 阈值预检
// 返回拼接后的描述；全部在范围内时 violated 为 false
func CheckThresholds(r models.Reading) (details string, violated bool) {
	var b strings.Builder

	if t, ok := r.Numeric("temperature"); ok && (t < TemperatureMin || t > TemperatureMax) {
		fmt.Fprintf(&b, "Temperature anomaly: %v°C. ", t)
	}
	if p, ok := r.Numeric("pressure"); ok && (p < PressureMin || p > PressureMax) {
		fmt.Fprintf(&b, "Pressure anomaly: %v bar. ", p)
	}
	if v, ok := r.Numeric("vibration"); ok && v > VibrationMax {
		fmt.Fprintf(&b, "Vibration anomaly: %v g. ", v)
	}
	if r.BatteryLevel != nil && *r.BatteryLevel < BatteryMin {
		fmt.Fprintf(&b, "Low battery: %v%%. ", *r.BatteryLevel)
	}
	if r.SignalStrength != nil && *r.SignalStrength < SignalMin {
		fmt.Fprintf(&b, "Weak signal: %v dBm. ", *r.SignalStrength)
	}

	details = b.String()
	return details, details != ""
}
